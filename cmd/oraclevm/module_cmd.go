package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fluxprotocol/oraclevm/pkg/artifacts"
)

// runModuleCmd implements `oraclevm module put|get|inspect`.
func runModuleCmd(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: oraclevm module <put|get|inspect> ...")
		return 2
	}
	switch args[0] {
	case "put":
		return runModulePut(ctx, a, args[1:], stdout, stderr)
	case "get":
		return runModuleGet(ctx, a, args[1:], stdout, stderr)
	case "inspect":
		return runModuleInspect(ctx, a, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown module command: %s\n", args[0])
		return 2
	}
}

func runModulePut(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: oraclevm module put <file.wasm>")
		return 2
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	reg, err := a.registry(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	info, err := reg.Publish(ctx, data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, info.Digest)
	return 0
}

func runModuleGet(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("module get", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var out string
	cmd.StringVar(&out, "o", "", "Write the module to this file instead of stdout")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: oraclevm module get [-o file] <sha256:digest>")
		return 2
	}
	reg, err := a.registry(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := reg.Load(ctx, cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if out == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	//nolint:gosec // G306: modules are not secret
	if err := os.WriteFile(out, data, 0644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

func runModuleInspect(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: oraclevm module inspect <file.wasm|sha256:digest>")
		return 2
	}
	data, err := loadModule(ctx, a, args[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	info, err := artifacts.Inspect(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	out, _ := json.MarshalIndent(info, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fluxprotocol/oraclevm/pkg/canonicalize"
	"github.com/fluxprotocol/oraclevm/pkg/job"
	"github.com/fluxprotocol/oraclevm/pkg/observability"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

// runResult is the -json output of `oraclevm run`.
type runResult struct {
	*sandbox.Outcome
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// runRunCmd implements `oraclevm run`.
//
// The job's sources, kind and factor become the program arguments. -module
// takes a path to a .wasm file or the digest of a published module; without
// it the built-in basic-fetch program runs natively.
func runRunCmd(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jobFile    string
		module     string
		gasLimit   string
		jsonOutput bool
	)
	cmd.StringVar(&jobFile, "job", "", "Path to the job YAML file (REQUIRED)")
	cmd.StringVar(&module, "module", "", "Path to a .wasm file or sha256:<digest> of a published module")
	cmd.StringVar(&gasLimit, "gas", "", "Override the job's gas limit")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the outcome as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if jobFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --job is required")
		return 2
	}

	j, err := loadJob(jobFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if gasLimit != "" {
		j.GasLimit = gasLimit
	}

	var binary []byte
	if module != "" {
		binary, err = loadModule(ctx, a, module)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	ec, err := j.Context(binary)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	host, err := a.host(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, finish := a.telemetry.TrackOperation(ctx, "oraclevm.run", observability.AttrModule.String(moduleLabel(module, binary)))
	var out *sandbox.Outcome
	if binary != nil {
		out, err = host.Run(ctx, ec)
	} else {
		out, err = host.RunNative(ctx, ec, job.BasicFetch)
	}
	finish(err)

	var execErr *sandbox.ExecutionError
	if err != nil && (!errors.As(err, &execErr) || out == nil) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		res := runResult{Outcome: out}
		res.Value, _ = out.Value()
		if execErr != nil {
			res.Error, res.Code = execErr.Message, execErr.Code
		}
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, line := range out.Logs {
			_, _ = fmt.Fprintln(stdout, line)
		}
		_, _ = fmt.Fprintf(stdout, "gas used: %s\n", out.GasUsed)
		_, _ = fmt.Fprintf(stdout, "digest: %s\n", out.Digest)
		if v, ok := out.Value(); ok && execErr == nil {
			_, _ = fmt.Fprintf(stdout, "value: %s\n", v)
		}
	}
	if execErr != nil {
		_, _ = fmt.Fprintf(stderr, "Execution failed: %v\n", execErr)
		return 1
	}
	return 0
}

func loadJob(path string) (*job.Job, error) {
	f, err := os.Open(path) //nolint:gosec // operator supplied path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return job.LoadJob(f)
}

// loadModule reads ref from the module store when it is a digest and from
// disk otherwise.
func loadModule(ctx context.Context, a *app, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, canonicalize.DigestPrefix) {
		reg, err := a.registry(ctx)
		if err != nil {
			return nil, err
		}
		return reg.Load(ctx, ref)
	}
	return os.ReadFile(ref) //nolint:gosec // operator supplied path
}

func moduleLabel(ref string, binary []byte) string {
	if binary == nil {
		return "native:basic-fetch"
	}
	if strings.HasPrefix(ref, canonicalize.DigestPrefix) {
		return ref
	}
	return canonicalize.DigestPrefix + canonicalize.HashBytes(binary)
}

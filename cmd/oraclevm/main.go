// Command oraclevm runs oracle jobs in the gas-metered sandbox and manages
// the modules they execute.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the execution failed (trap, out of gas)
//	2 = usage, configuration or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "run":
		return withApp(ctx, stderr, func(a *app) int { return runRunCmd(ctx, a, args[2:], stdout, stderr) })
	case "module":
		return withApp(ctx, stderr, func(a *app) int { return runModuleCmd(ctx, a, args[2:], stdout, stderr) })
	case "usage":
		return withApp(ctx, stderr, func(a *app) int { return runUsageCmd(ctx, a, args[2:], stdout, stderr) })
	case "quota":
		return withApp(ctx, stderr, func(a *app) int { return runQuotaCmd(ctx, a, args[2:], stdout, stderr) })
	case "version":
		_, _ = fmt.Fprintf(stdout, "oraclevm %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func withApp(ctx context.Context, stderr io.Writer, fn func(*app) int) int {
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	code := fn(a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
	return code
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: oraclevm <command> [flags]

Commands:
  run      Execute a job file with a WebAssembly module or the built-in basic-fetch program
  module   Publish, fetch and inspect modules (put | get | inspect)
  usage    Show gas usage recorded for a caller
  quota    Show or set a caller's daily and monthly gas quota (show | set)
  version  Print the version

Configuration is read from ORACLEVM_* environment variables and the YAML
file named by ORACLEVM_CONFIG.`)
}

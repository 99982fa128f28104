package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/fluxprotocol/oraclevm/pkg/quota"
)

// runQuotaCmd implements `oraclevm quota show|set`. Limits live next to the
// persistent ledger, so ORACLEVM_LEDGER_URL must be set.
func runQuotaCmd(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: oraclevm quota <show|set> --caller <id> [--daily N] [--monthly N]")
		return 2
	}
	sub := args[0]
	if sub != "show" && sub != "set" {
		_, _ = fmt.Fprintf(stderr, "Unknown quota command: %s\n", sub)
		return 2
	}

	cmd := flag.NewFlagSet("quota "+sub, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		caller string
		limits quota.Limits
	)
	cmd.StringVar(&caller, "caller", "", "Caller id (REQUIRED)")
	if sub == "set" {
		cmd.StringVar(&limits.Daily, "daily", "", "Daily gas limit; empty is unlimited")
		cmd.StringVar(&limits.Monthly, "monthly", "", "Monthly gas limit; empty is unlimited")
	}
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if caller == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --caller is required")
		return 2
	}
	if a.cfg.LedgerURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: ORACLEVM_LEDGER_URL is not set; quotas are only kept by the postgres ledger")
		return 2
	}

	enforcer, err := a.quota(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if sub == "set" {
		if err := enforcer.SetLimits(ctx, caller, limits); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	st, err := enforcer.Status(ctx, caller)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, _ := json.MarshalIndent(st, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/fluxprotocol/oraclevm/pkg/metering"
)

// runUsageCmd implements `oraclevm usage`. It reads the persistent ledger, so
// ORACLEVM_LEDGER_URL must be set.
func runUsageCmd(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("usage", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		caller string
		period string
		day    string
	)
	cmd.StringVar(&caller, "caller", "", "Caller id (REQUIRED)")
	cmd.StringVar(&period, "period", "day", "day or month")
	cmd.StringVar(&day, "date", "", "Day to report (YYYY-MM-DD, UTC); implies -period day")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if caller == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --caller is required")
		return 2
	}
	if a.cfg.LedgerURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: ORACLEVM_LEDGER_URL is not set; usage is only kept by the postgres ledger")
		return 2
	}

	var p metering.Period
	switch {
	case day != "":
		t, err := time.Parse(time.DateOnly, day)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --date: %v\n", err)
			return 2
		}
		p = metering.DayOf(t)
	case period == "day":
		p = metering.DailyPeriod()
	case period == "month":
		p = metering.MonthlyPeriod()
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown period %q\n", period)
		return 2
	}

	ledger, err := a.ledger(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	usage, err := ledger.GetUsage(ctx, caller, p)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, _ := json.MarshalIndent(usage, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

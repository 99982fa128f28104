package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fluxprotocol/oraclevm/pkg/bridge"
	"github.com/fluxprotocol/oraclevm/pkg/canonicalize"
	"github.com/fluxprotocol/oraclevm/pkg/jsonpath"
	"github.com/fluxprotocol/oraclevm/pkg/numeric"
	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

// Abort messages of BasicFetch.
const (
	ErrInvalidArgs     = "ERR_INVALID_ARGS"
	ErrNoSources       = "ERR_NO_SOURCES"
	ErrTooMuchSources  = "ERR_TOO_MUCH_SOURCES"
	ErrNoMultiplier    = "ERR_NO_MULTIPLIER"
	ErrUnsupportedType = "ERR_UNSUPPORTED_TYPE"
	ErrTooMuchResults  = "ERR_TOO_MUCH_RESULTS"
	ErrNotANumber      = "ERR_NOT_A_NUMBER"
	ErrFailingSources  = "ERR_FAILING_SOURCES"
)

// BasicFetch is the reference oracle program. Its arguments are
// [caller, sources JSON, kind, factor?]. Every source is fetched and its path
// extracted; sources that fail are skipped with a diagnostic line. The used
// values are combined with Aggregate and the final line is {"value":"..."}.
//
// A string job takes exactly one source. Several matches are returned as a
// JSON array. A number job needs a factor and exactly one match per source.
var BasicFetch sandbox.Program = sandbox.ProgramFunc(basicFetch)

type runner struct {
	caps bridge.Capabilities
	kind numeric.Kind
}

func basicFetch(ctx context.Context, call *sandbox.Call) error {
	caps := call.Caps
	if len(call.Args) < 3 {
		return caps.Abort(ctx, ErrInvalidArgs)
	}
	sources, err := ParseSources(call.Args[1])
	if err != nil {
		return caps.Abort(ctx, fmt.Sprintf("%s: %v", ErrInvalidArgs, err))
	}
	if len(sources) == 0 {
		return caps.Abort(ctx, ErrNoSources)
	}

	kind := numeric.Kind(call.Args[2])
	factor := ""
	switch kind {
	case numeric.KindString:
		if len(sources) != 1 {
			return caps.Abort(ctx, ErrTooMuchSources)
		}
	case numeric.KindNumber:
		if len(call.Args) < 4 {
			return caps.Abort(ctx, ErrNoMultiplier)
		}
		factor = call.Args[3]
	default:
		return caps.Abort(ctx, ErrUnsupportedType)
	}

	r := &runner{caps: caps, kind: kind}
	entries := make([]numeric.Entry, 0, len(sources))
	for _, src := range sources {
		e, err := r.source(ctx, src)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	value, stats, err := caps.Aggregate(ctx, entries, factor, kind)
	if bridge.IsTrap(err) {
		return err
	}
	if err := caps.Log(ctx, stats.LogLine()); err != nil {
		return err
	}
	switch {
	case errors.Is(err, numeric.ErrNoUsableSources):
		return caps.Abort(ctx, ErrFailingSources)
	case err != nil:
		return caps.Abort(ctx, err.Error())
	}

	line, err := canonicalize.JCSString(map[string]string{"value": value})
	if err != nil {
		return err
	}
	return caps.Log(ctx, line)
}

// source evaluates one source. A skipped source is reported as such; only
// traps and aborts are returned as errors.
func (r *runner) source(ctx context.Context, src SourceSpec) (numeric.Entry, error) {
	skip := numeric.Entry{Skipped: true, Multiplier: src.Multiplier}

	resp, err := r.caps.Fetch(ctx, src.Request())
	if err != nil {
		if bridge.IsTrap(err) {
			return skip, err
		}
		if err := r.logf(ctx, "Could not fetch %s:%s:%s", src.EndPoint, src.SourcePath, headersText(src.HTTPHeaders)); err != nil {
			return skip, err
		}
		return skip, r.caps.Log(ctx, err.Error())
	}

	ex, err := r.caps.JSONExtract(ctx, resp.Body, src.SourcePath)
	if err != nil {
		if bridge.IsTrap(err) {
			return skip, err
		}
		return skip, r.logf(ctx, "Invalid source path %s", src.SourcePath)
	}
	if !ex.Found() {
		return skip, r.logf(ctx, "Could not find: %s, skipping api source", src.SourcePath)
	}
	if err := r.logf(ctx, "Matching values found: %d", len(ex.Matches)); err != nil {
		return skip, err
	}

	if r.kind == numeric.KindString {
		if len(ex.Matches) > 1 {
			return numeric.Entry{Value: string(jsonpath.NodesJSON(ex.Matches))}, nil
		}
		return numeric.Entry{Value: ex.First().Text()}, nil
	}

	if len(ex.Matches) > 1 {
		return skip, r.caps.Abort(ctx, ErrTooMuchResults)
	}
	d, err := numeric.FromNode(ex.First())
	if err != nil {
		return skip, r.caps.Abort(ctx, ErrNotANumber)
	}
	scaled, err := numeric.Scaled(d.String(), src.Multiplier)
	if err != nil {
		return skip, r.caps.Abort(ctx, ErrNotANumber)
	}
	if err := r.logf(ctx, "url: %s, source: %s, result: %s", src.EndPoint, src.SourcePath, scaled.String()); err != nil {
		return skip, err
	}
	return numeric.Entry{Value: d.String(), Multiplier: src.Multiplier}, nil
}

func (r *runner) logf(ctx context.Context, format string, args ...any) error {
	return r.caps.Log(ctx, fmt.Sprintf(format, args...))
}

func headersText(h map[string]string) string {
	if h == nil {
		return "null"
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "null"
	}
	return string(b)
}

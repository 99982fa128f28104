package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxprotocol/oraclevm/pkg/runtime/sandbox"
)

// Attribute keys shared by spans and metrics.
var (
	AttrExecutionID = attribute.Key("oraclevm.execution.id")
	AttrCallerID    = attribute.Key("oraclevm.caller.id")
	AttrMode        = attribute.Key("oraclevm.execution.mode")
	AttrStatus      = attribute.Key("oraclevm.execution.status")
	AttrGasUsed     = attribute.Key("oraclevm.execution.gas_used")
	AttrOpKind      = attribute.Key("oraclevm.gas.op_kind")
	AttrFetchResult = attribute.Key("oraclevm.fetch.result")
	AttrModule      = attribute.Key("oraclevm.module.digest")
)

// ExecutionAttributes describes r for a span. Caller and execution ids stay
// off metrics to keep their cardinality bounded.
func ExecutionAttributes(r sandbox.Report) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExecutionID.String(r.ExecutionID),
		AttrCallerID.String(r.CallerID),
		AttrMode.String(r.Mode),
		AttrStatus.String(string(r.Status)),
		AttrGasUsed.String(r.GasUsed),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

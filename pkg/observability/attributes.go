package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Engine semantic convention attributes. Identifiers only, never invoice
// content.
var (
	AttrRunID         = attribute.Key("veriflow.run.id")
	AttrCorrelationID = attribute.Key("veriflow.run.correlation_id")
	AttrPlanID        = attribute.Key("veriflow.plan.id")
	AttrFilterID      = attribute.Key("veriflow.filter.id")
	AttrExecution     = attribute.Key("veriflow.filter.execution")
	AttrFormat        = attribute.Key("veriflow.invoice.format")
	AttrDecision      = attribute.Key("veriflow.gate.decision")
	AttrSeverity      = attribute.Key("veriflow.diagnostic.severity")
)

// RunAttributes builds the per-run attribute set.
func RunAttributes(runID, correlationID, planID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrCorrelationID.String(correlationID),
		AttrPlanID.String(planID),
	}
}

// StepAttributes builds the per-step attribute set.
func StepAttributes(runID, filterID, execution string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrFilterID.String(filterID),
		AttrExecution.String(execution),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}

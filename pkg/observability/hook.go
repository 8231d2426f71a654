package observability

import (
	"context"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/pipeline"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
)

// MetricsHook feeds orchestrator lifecycle events into the provider's
// counters and histograms.
type MetricsHook struct {
	Provider *Provider
}

func NewMetricsHook(p *Provider) *MetricsHook {
	return &MetricsHook{Provider: p}
}

func (h *MetricsHook) OnEvent(ev pipeline.Event) {
	if h.Provider == nil {
		return
	}
	ctx := context.Background()

	switch ev.Type {
	case pipeline.EventRunStarted:
		h.Provider.RecordRun(ctx, RunAttributes(ev.RunID, ev.CorrelationID, ev.PlanID)...)
	case pipeline.EventStepCompleted, pipeline.EventStepErrored, pipeline.EventStepSkipped:
		if ev.Result == nil {
			return
		}
		attrs := StepAttributes(ev.RunID, ev.FilterID, string(ev.Result.Execution))
		h.Provider.RecordStepDuration(ctx, time.Duration(ev.Result.DurationMs)*time.Millisecond, attrs...)
		h.Provider.RecordDiagnostics(ctx, len(ev.Result.Diagnostics), attrs...)
		if decision, ok := policygate.DecisionFrom(ev.Result); ok {
			h.Provider.RecordDecision(ctx, string(decision.Decision))
		}
	}
}

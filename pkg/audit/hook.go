package audit

import (
	"log/slog"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/pipeline"
)

// Hook records orchestrator lifecycle events into an audit log. Append
// failures are logged and dropped; auditing never fails a run.
type Hook struct {
	Log    Log
	Actor  string
	Logger *slog.Logger
}

// NewHook wraps log in a pipeline hook. The actor defaults to "engine".
func NewHook(log Log, actor string) *Hook {
	if actor == "" {
		actor = "engine"
	}
	return &Hook{Log: log, Actor: actor}
}

func (h *Hook) OnEvent(ev pipeline.Event) {
	payload := map[string]any{
		"runId":         ev.RunID,
		"correlationId": ev.CorrelationID,
	}
	if ev.PlanID != "" {
		payload["planId"] = ev.PlanID
	}
	if ev.FilterID != "" {
		payload["filterId"] = ev.FilterID
	}

	switch ev.Type {
	case pipeline.EventStepCompleted, pipeline.EventStepErrored:
		if ev.Result != nil {
			counts := diag.Count(ev.Result.Diagnostics)
			payload["errors"] = counts.Errors
			payload["warnings"] = counts.Warnings
			payload["durationMs"] = ev.Result.DurationMs
		}
	case pipeline.EventStepSkipped:
		if ev.Result != nil {
			payload["skipReason"] = ev.Result.SkipReason
		}
	case pipeline.EventRunAborted:
		payload["reason"] = ev.AbortReason
	case pipeline.EventCleanupDone:
		payload["retentionWarnings"] = len(ev.Warnings)
	}

	if err := h.Log.Append(h.Actor, string(ev.Type), payload); err != nil {
		logger := h.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("audit append failed", slog.String("runId", ev.RunID), slog.Any("error", err))
	}
}

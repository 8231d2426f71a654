package pipeline

import (
	"log/slog"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/cleanup"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
)

// EventType enumerates the orchestrator lifecycle events.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepSkipped   EventType = "step_skipped"
	EventStepErrored   EventType = "step_errored"
	EventRunAborted    EventType = "run_aborted"
	EventRunCompleted  EventType = "run_completed"
	EventCleanupDone   EventType = "cleanup_done"
)

// Event is the payload fanned out to hooks. Results are copies; hooks must
// not assume they can influence the run.
type Event struct {
	Type          EventType
	RunID         string
	CorrelationID string
	PlanID        string
	FilterID      string
	Result        *filter.Result
	AbortReason   string
	Warnings      []cleanup.RetentionWarning
	Time          time.Time
}

// Hook receives lifecycle events. Implementations must be fast and must not
// block; long work belongs on the hook's own goroutine.
type Hook interface {
	OnEvent(ev Event)
}

// HookFunc adapts a closure to Hook.
type HookFunc func(ev Event)

func (f HookFunc) OnEvent(ev Event) { f(ev) }

// SlogHook logs lifecycle events through a structured logger. Messages carry
// ids and counts only, never invoice content.
type SlogHook struct {
	Logger *slog.Logger
}

func (h *SlogHook) OnEvent(ev Event) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("runId", ev.RunID),
		slog.String("correlationId", ev.CorrelationID),
	}
	if ev.FilterID != "" {
		attrs = append(attrs, slog.String("filterId", ev.FilterID))
	}

	switch ev.Type {
	case EventRunStarted:
		logger.Info("validation run started", append(attrs, slog.String("planId", ev.PlanID))...)
	case EventStepCompleted:
		counts := diag.Count(ev.Result.Diagnostics)
		logger.Info("step completed", append(attrs,
			slog.Int64("durationMs", ev.Result.DurationMs),
			slog.Int("errors", counts.Errors),
			slog.Int("warnings", counts.Warnings))...)
	case EventStepSkipped:
		logger.Debug("step skipped", append(attrs, slog.String("reason", ev.Result.SkipReason))...)
	case EventStepErrored:
		logger.Warn("step errored", append(attrs, slog.String("error", ev.Result.Error.Error()))...)
	case EventRunAborted:
		logger.Warn("run aborted", append(attrs, slog.String("reason", ev.AbortReason))...)
	case EventRunCompleted:
		logger.Info("validation run completed", attrs...)
	case EventCleanupDone:
		logger.Info("cleanup finished", append(attrs, slog.Int("retentionWarnings", len(ev.Warnings)))...)
	}
}

func (o *Orchestrator) emit(ev Event) {
	ev.Time = time.Now().UTC()
	for _, h := range o.hooks {
		h.OnEvent(ev)
	}
}

package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// RetentionWarning codes.
const (
	WarningCleanupQueued  = "CLEANUP_QUEUED"
	WarningCleanupPartial = "CLEANUP_PARTIAL"
	WarningCleanupError   = "CLEANUP_ERROR"
)

// RetentionWarning reports a cleanup degradation on the final report.
// Messages are generic: no keys, no run ids, no invoice data.
type RetentionWarning struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	AffectedCount int       `json:"affectedCount"`
}

// Result summarizes one enforcement pass over a run's tracked keys.
type Result struct {
	Completed  bool               `json:"completed"`
	Deleted    int                `json:"deleted"`
	Queued     []string           `json:"-"` // keys, for internal bookkeeping only
	DurationMs int64              `json:"durationMs"`
	Warnings   []RetentionWarning `json:"warnings,omitempty"`
}

// Enforcer runs guaranteed secure deletion of a run's temp keys. It never
// returns an error: every failure is converted to a retry-queue entry plus a
// RetentionWarning, and the pipeline always gets its report back.
type Enforcer struct {
	store  tempstore.Store
	queue  Queue
	logger *slog.Logger
}

// NewEnforcer builds an enforcer over the given store and retry queue.
func NewEnforcer(store tempstore.Store, queue Queue, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{store: store, queue: queue, logger: logger}
}

// Cleanup secure-deletes every tracked key. Keys whose deletion fails are
// enqueued for retry; keys that cannot even be enqueued produce a
// CLEANUP_ERROR warning. Cleanup must not panic or throw: it is invoked on
// every pipeline exit path.
func (e *Enforcer) Cleanup(ctx context.Context, keys []string, correlationID string) *Result {
	start := time.Now()
	result := &Result{Completed: true}

	var queued, lost int
	for _, key := range keys {
		err := e.secureDelete(ctx, key)
		if err == nil {
			result.Deleted++
			continue
		}

		if e.queue == nil {
			lost++
			e.logger.Error("cleanup retry queue not configured", "error", err)
			continue
		}
		record := FailedDeleteRecord{
			Key:           key,
			FailedAt:      time.Now().UTC(),
			MaxRetries:    DefaultMaxRetries,
			LastError:     err.Error(),
			CorrelationID: correlationID,
		}
		if qErr := e.queue.Enqueue(ctx, record); qErr != nil {
			lost++
			e.logger.Error("cleanup enqueue failed", "error", qErr)
			continue
		}
		queued++
		result.Queued = append(result.Queued, key)
	}

	if queued > 0 {
		code := WarningCleanupQueued
		msg := "secure delete deferred; entries queued for retry"
		if lost > 0 {
			// Some failures could be queued, some could not.
			code = WarningCleanupPartial
			msg = "only part of the failed deletions could be queued for retry"
		}
		result.Completed = false
		result.Warnings = append(result.Warnings, RetentionWarning{
			Code:          code,
			Message:       msg,
			Timestamp:     time.Now().UTC(),
			AffectedCount: queued,
		})
	}
	if lost > 0 {
		result.Completed = false
		result.Warnings = append(result.Warnings, RetentionWarning{
			Code:          WarningCleanupError,
			Message:       "secure delete failed and retry scheduling was unavailable",
			Timestamp:     time.Now().UTC(),
			AffectedCount: lost,
		})
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// secureDelete shields the enforcer from panicking store implementations.
func (e *Enforcer) secureDelete(ctx context.Context, key string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("secure delete panicked: %v", r)
		}
	}()
	return e.store.SecureDelete(ctx, key)
}

// Package jobs is the optional persistence boundary for queued validation
// runs. Raw invoice content is never a column; rows carry only the temp
// store key, and that key is cleared on every terminal transition. All
// status transitions are compare-and-set so at-least-once delivery stays
// idempotent.
package jobs

import (
	"context"
	"errors"
	"time"
)

// Status of a persisted job.
type Status string

const (
	StatusPending               Status = "pending"
	StatusProcessing            Status = "processing"
	StatusCompleted             Status = "completed"
	StatusCompletedWithWarnings Status = "completed_with_warnings"
	StatusBlocked               Status = "blocked"
	StatusFailed                Status = "failed"
	StatusCancelled             Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusBlocked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("jobs: job not found")

// Job is one persisted validation run.
type Job struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Priority int    `json:"priority"`
	// InvoiceContentKey points into the temp store; nil once the job reached
	// a terminal state.
	InvoiceContentKey  *string           `json:"invoiceContentKey,omitempty"`
	Format             string            `json:"format,omitempty"`
	Options            map[string]any    `json:"options,omitempty"`
	TenantID           string            `json:"tenantId,omitempty"`
	CorrelationID      string            `json:"correlationId,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	StartedAt          *time.Time        `json:"startedAt,omitempty"`
	CompletedAt        *time.Time        `json:"completedAt,omitempty"`
	ResultFingerprint  string            `json:"resultFingerprintId,omitempty"`
	ErrorMessage       string            `json:"errorMessage,omitempty"`
	RetryCount         int               `json:"retryCount"`
	MaxRetries         int               `json:"maxRetries"`
	PlanHash           string            `json:"planHash,omitempty"`
	ConfigSnapshotHash string            `json:"configSnapshotHash,omitempty"`
	EngineVersions     map[string]string `json:"engineVersions,omitempty"`
	ReportSummary      map[string]any    `json:"reportSummary,omitempty"`
	ErrorSummary       string            `json:"errorSummary,omitempty"`
}

// Result is the terminal outcome stored by StoreJobResult. Summaries must
// already be sanitized by the caller.
type Result struct {
	Status        Status
	FingerprintID string
	ReportSummary map[string]any
	ErrorSummary  string
}

// Stats aggregates row counts per status.
type Stats struct {
	ByStatus map[Status]int `json:"byStatus"`
	Total    int            `json:"total"`
}

// Repository is the durable job store contract. Compare-and-set methods
// return false (and no error) when the precondition does not hold; callers
// treat that as "someone else already moved the job".
type Repository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJobByID(ctx context.Context, id string) (*Job, error)

	// UpdateJobStatus applies a non-terminal CAS transition:
	// pending → processing (stamps started_at), processing → pending.
	UpdateJobStatus(ctx context.Context, id string, to Status) (bool, error)

	// StoreJobResult writes a terminal state from pending or processing,
	// clearing the invoice content key. No-op (false) from any other state.
	StoreJobResult(ctx context.Context, id string, result Result) (bool, error)

	GetJobsByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
	GetJobsByTenant(ctx context.Context, tenantID string, limit int) ([]*Job, error)

	// CancelJob moves a pending or processing job to cancelled.
	CancelJob(ctx context.Context, id string) (bool, error)

	// IncrementRetry bumps retry_count and returns the job to pending; false
	// once retries are exhausted or the job is not processing.
	IncrementRetry(ctx context.Context, id string) (bool, error)

	// ClaimJob atomically takes the oldest claimable pending job. Returns
	// ErrNotFound when the queue is empty.
	ClaimJob(ctx context.Context) (*Job, error)

	GetStats(ctx context.Context) (*Stats, error)

	// CleanupOldJobs deletes terminal rows completed before the cutoff.
	CleanupOldJobs(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

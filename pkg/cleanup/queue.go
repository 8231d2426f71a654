// Package cleanup implements the guaranteed secure-delete path: an enforcer
// that runs over every temp key tracked for a run, and a durable retry queue
// for deletes that failed. Nothing in this package ever logs or returns a
// temp key or invoice data inside a warning.
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// DefaultMaxRetries before a failed delete is abandoned and surfaced for
// alerting.
const DefaultMaxRetries = 5

// FailedDeleteRecord tracks a delete that must be retried.
type FailedDeleteRecord struct {
	Key           string    `json:"key"`
	FailedAt      time.Time `json:"failedAt"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
	LastError     string    `json:"lastError,omitempty"`
	Category      string    `json:"category,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// ProcessResult summarizes one queue drain pass.
type ProcessResult struct {
	Processed     int      `json:"processed"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	Abandoned     int      `json:"abandoned"`
	AbandonedKeys []string `json:"abandonedKeys,omitempty"`
}

// Queue is the retry queue contract. Implementations must be safe for
// concurrent use; the queue is shared across pipeline instances.
type Queue interface {
	Enqueue(ctx context.Context, record FailedDeleteRecord) error
	Pending(ctx context.Context) ([]FailedDeleteRecord, error)
	MarkCompleted(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, failure error) error
	// Process attempts SecureDelete for every pending record. Records that
	// exhaust MaxRetries are abandoned and reported for alerting.
	Process(ctx context.Context, store tempstore.Store) (*ProcessResult, error)
}

// ErrUnknownKey is returned by MarkCompleted/MarkFailed for keys not queued.
var ErrUnknownKey = errors.New("cleanup: key not queued")

// MemoryQueue is the in-process Queue implementation.
type MemoryQueue struct {
	mu      sync.Mutex
	records map[string]*FailedDeleteRecord
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{records: make(map[string]*FailedDeleteRecord)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, record FailedDeleteRecord) error {
	if record.MaxRetries <= 0 {
		record.MaxRetries = DefaultMaxRetries
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.records[record.Key]; ok {
		existing.RetryCount++
		existing.LastError = record.LastError
		existing.FailedAt = record.FailedAt
		return nil
	}
	q.records[record.Key] = &record
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]FailedDeleteRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]FailedDeleteRecord, 0, len(q.records))
	for _, r := range q.records {
		out = append(out, *r)
	}
	return out, nil
}

func (q *MemoryQueue) MarkCompleted(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.records[key]; !ok {
		return ErrUnknownKey
	}
	delete(q.records, key)
	return nil
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, key string, failure error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[key]
	if !ok {
		return ErrUnknownKey
	}
	r.RetryCount++
	if failure != nil {
		r.LastError = failure.Error()
	}
	r.FailedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Process(ctx context.Context, store tempstore.Store) (*ProcessResult, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	for _, record := range pending {
		result.Processed++

		if err := store.SecureDelete(ctx, record.Key); err == nil {
			_ = q.MarkCompleted(ctx, record.Key)
			result.Succeeded++
			continue
		} else if markErr := q.MarkFailed(ctx, record.Key, err); markErr != nil {
			result.Failed++
			continue
		}

		q.mu.Lock()
		r, ok := q.records[record.Key]
		abandoned := ok && r.RetryCount >= r.MaxRetries
		if abandoned {
			delete(q.records, record.Key)
		}
		q.mu.Unlock()

		if abandoned {
			result.Abandoned++
			result.AbandonedKeys = append(result.AbandonedKeys, record.Key)
		} else {
			result.Failed++
		}
	}
	return result, nil
}

package cleanup

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// flakyStore wraps a MemoryStore and fails SecureDelete for selected keys.
type flakyStore struct {
	tempstore.Store
	failKeys map[string]int // key -> remaining failures (-1 = always)
}

func (f *flakyStore) SecureDelete(ctx context.Context, key string) error {
	if n, ok := f.failKeys[key]; ok {
		if n < 0 {
			return errors.New("backend unavailable")
		}
		if n > 0 {
			f.failKeys[key] = n - 1
			return errors.New("backend unavailable")
		}
	}
	return f.Store.SecureDelete(ctx, key)
}

func newFlaky(t *testing.T, failKeys map[string]int) *flakyStore {
	t.Helper()
	mem, err := tempstore.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return &flakyStore{Store: mem, failKeys: failKeys}
}

func TestEnforcer_AllDeleted(t *testing.T) {
	store := newFlaky(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "raw-invoice:run-1", []byte("x"), tempstore.SetOptions{}))
	require.NoError(t, store.Set(ctx, "parsed-invoice:run-1", []byte("y"), tempstore.SetOptions{}))

	enforcer := NewEnforcer(store, NewMemoryQueue(), nil)
	result := enforcer.Cleanup(ctx, []string{"raw-invoice:run-1", "parsed-invoice:run-1"}, "corr-1")

	assert.True(t, result.Completed)
	assert.Equal(t, 2, result.Deleted)
	assert.Empty(t, result.Warnings)
	assert.False(t, store.Has(ctx, "raw-invoice:run-1"))
}

func TestEnforcer_FailureQueued(t *testing.T) {
	store := newFlaky(t, map[string]int{"raw-invoice:run-1": -1})
	ctx := context.Background()

	queue := NewMemoryQueue()
	enforcer := NewEnforcer(store, queue, nil)
	result := enforcer.Cleanup(ctx, []string{"raw-invoice:run-1", "parsed-invoice:run-1"}, "corr-1")

	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.Deleted)
	require.Len(t, result.Warnings, 1)

	w := result.Warnings[0]
	assert.Equal(t, WarningCleanupQueued, w.Code)
	assert.Equal(t, 1, w.AffectedCount)
	// Warnings must never leak the key.
	assert.NotContains(t, w.Message, "run-1")
	assert.NotContains(t, w.Message, "raw-invoice")

	pending, err := queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "raw-invoice:run-1", pending[0].Key)
}

func TestEnforcer_NilQueueEmitsError(t *testing.T) {
	store := newFlaky(t, map[string]int{"raw-invoice:run-1": -1})
	ctx := context.Background()

	enforcer := NewEnforcer(store, nil, nil)
	var result *Result
	require.NotPanics(t, func() {
		result = enforcer.Cleanup(ctx, []string{"raw-invoice:run-1"}, "corr-1")
	})

	assert.False(t, result.Completed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, WarningCleanupError, result.Warnings[0].Code)
	assert.Equal(t, 1, result.Warnings[0].AffectedCount)
	assert.NotContains(t, result.Warnings[0].Message, "run-1")
}

// panicStore simulates a store whose SecureDelete panics.
type panicStore struct{ tempstore.Store }

func (p *panicStore) SecureDelete(ctx context.Context, key string) error {
	panic("backend exploded")
}

func TestEnforcer_PanicCaptured(t *testing.T) {
	mem, err := tempstore.NewMemoryStore()
	require.NoError(t, err)
	defer mem.Close()

	queue := NewMemoryQueue()
	enforcer := NewEnforcer(&panicStore{Store: mem}, queue, nil)
	result := enforcer.Cleanup(context.Background(), []string{"raw-invoice:run-1"}, "")

	assert.False(t, result.Completed)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, WarningCleanupQueued, result.Warnings[0].Code)

	pending, _ := queue.Pending(context.Background())
	require.Len(t, pending, 1)
	assert.True(t, strings.Contains(pending[0].LastError, "panicked"))
}

func TestQueue_ProcessRetriesAndSucceeds(t *testing.T) {
	store := newFlaky(t, map[string]int{"raw-invoice:run-1": 1})
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "raw-invoice:run-1", []byte("x"), tempstore.SetOptions{}))

	queue := NewMemoryQueue()
	require.NoError(t, queue.Enqueue(ctx, FailedDeleteRecord{Key: "raw-invoice:run-1"}))

	// First pass: SecureDelete still failing.
	res, err := queue.Process(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)

	// Second pass: the backend recovered.
	res, err = queue.Process(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	pending, _ := queue.Pending(ctx)
	assert.Empty(t, pending)
}

func TestQueue_Abandonment(t *testing.T) {
	store := newFlaky(t, map[string]int{"raw-invoice:run-1": -1})
	ctx := context.Background()

	queue := NewMemoryQueue()
	require.NoError(t, queue.Enqueue(ctx, FailedDeleteRecord{Key: "raw-invoice:run-1", MaxRetries: 2}))

	first, err := queue.Process(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Failed)

	second, err := queue.Process(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Abandoned)
	assert.Equal(t, []string{"raw-invoice:run-1"}, second.AbandonedKeys)

	pending, _ := queue.Pending(ctx)
	assert.Empty(t, pending)
}

func TestQueue_EnqueueDuplicateIncrementsRetry(t *testing.T) {
	queue := NewMemoryQueue()
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, FailedDeleteRecord{Key: "k", LastError: "first"}))
	require.NoError(t, queue.Enqueue(ctx, FailedDeleteRecord{Key: "k", LastError: "second"}))

	pending, _ := queue.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "second", pending[0].LastError)
}

func TestQueue_MarkUnknownKey(t *testing.T) {
	queue := NewMemoryQueue()
	assert.ErrorIs(t, queue.MarkCompleted(context.Background(), "nope"), ErrUnknownKey)
	assert.ErrorIs(t, queue.MarkFailed(context.Background(), "nope", errors.New("x")), ErrUnknownKey)
}

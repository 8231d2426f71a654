package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// RedisQueue persists failed-delete records in a redis hash so retries
// survive worker restarts. Field = temp key, value = JSON record.
type RedisQueue struct {
	client  *redis.Client
	hashKey string
}

// NewRedisQueue creates a queue stored under hashKey (default
// "cleanup:failed-deletes").
func NewRedisQueue(client *redis.Client, hashKey string) *RedisQueue {
	if hashKey == "" {
		hashKey = "cleanup:failed-deletes"
	}
	return &RedisQueue{client: client, hashKey: hashKey}
}

func (q *RedisQueue) Enqueue(ctx context.Context, record FailedDeleteRecord) error {
	if record.MaxRetries <= 0 {
		record.MaxRetries = DefaultMaxRetries
	}
	if record.FailedAt.IsZero() {
		record.FailedAt = time.Now().UTC()
	}

	if existing, err := q.get(ctx, record.Key); err == nil && existing != nil {
		existing.RetryCount++
		existing.LastError = record.LastError
		existing.FailedAt = record.FailedAt
		return q.put(ctx, existing)
	}
	return q.put(ctx, &record)
}

func (q *RedisQueue) get(ctx context.Context, key string) (*FailedDeleteRecord, error) {
	payload, err := q.client.HGet(ctx, q.hashKey, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cleanup: redis hget failed: %w", err)
	}
	var record FailedDeleteRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("cleanup: record decode failed: %w", err)
	}
	return &record, nil
}

func (q *RedisQueue) put(ctx context.Context, record *FailedDeleteRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cleanup: record marshal failed: %w", err)
	}
	if err := q.client.HSet(ctx, q.hashKey, record.Key, payload).Err(); err != nil {
		return fmt.Errorf("cleanup: redis hset failed: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context) ([]FailedDeleteRecord, error) {
	entries, err := q.client.HGetAll(ctx, q.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cleanup: redis hgetall failed: %w", err)
	}

	out := make([]FailedDeleteRecord, 0, len(entries))
	for _, payload := range entries {
		var record FailedDeleteRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			continue // skip corrupt entries rather than blocking the drain
		}
		out = append(out, record)
	}
	return out, nil
}

func (q *RedisQueue) MarkCompleted(ctx context.Context, key string) error {
	n, err := q.client.HDel(ctx, q.hashKey, key).Result()
	if err != nil {
		return fmt.Errorf("cleanup: redis hdel failed: %w", err)
	}
	if n == 0 {
		return ErrUnknownKey
	}
	return nil
}

func (q *RedisQueue) MarkFailed(ctx context.Context, key string, failure error) error {
	record, err := q.get(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		return ErrUnknownKey
	}
	record.RetryCount++
	if failure != nil {
		record.LastError = failure.Error()
	}
	record.FailedAt = time.Now().UTC()
	return q.put(ctx, record)
}

func (q *RedisQueue) Process(ctx context.Context, store tempstore.Store) (*ProcessResult, error) {
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

		updated, err := q.get(ctx, record.Key)
		if err != nil || updated == nil {
			result.Failed++
			continue
		}
		if updated.RetryCount >= updated.MaxRetries {
			_ = q.client.HDel(ctx, q.hashKey, record.Key).Err()
			result.Abandoned++
			result.AbandonedKeys = append(result.AbandonedKeys, record.Key)
		} else {
			result.Failed++
		}
	}
	return result, nil
}

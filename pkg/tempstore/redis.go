package tempstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSecureDeleteScript overwrites the value with zeros of the same length
// before deleting, atomically. Overwrite-then-delete is best-effort on a
// networked backend (replicas and AOF may retain the old bytes briefly).
var redisSecureDeleteScript = redis.NewScript(`
local key = KEYS[1]
local val = redis.call("GET", key)
if val then
    redis.call("SET", key, string.rep("\0", string.len(val)), "KEEPTTL")
    redis.call("DEL", key)
    return 1
end
return 0
`)

type redisEnvelope struct {
	Data          []byte    `json:"data"`
	CreatedAt     time.Time `json:"createdAt"`
	TTLMs         int64     `json:"ttlMs"`
	Encrypted     bool      `json:"encrypted"`
	Category      string    `json:"category,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// RedisStore is the networked Store implementation. Expiry is delegated to
// redis key TTLs; Cleanup is therefore a no-op sweep.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string

	sets          atomic.Int64
	gets          atomic.Int64
	deletes       atomic.Int64
	secureDeletes atomic.Int64
}

// NewRedisStore creates a store backed by the given redis instance. All keys
// are namespaced under prefix (default "tempstore:").
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tempstore:"
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		keyPrefix: prefix,
	}
}

func (s *RedisStore) rkey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) Set(ctx context.Context, key string, data []byte, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultRawInvoiceTTL
	}

	env := redisEnvelope{
		Data:          data,
		CreatedAt:     time.Now().UTC(),
		TTLMs:         ttl.Milliseconds(),
		Encrypted:     opts.Encrypt,
		Category:      opts.Category,
		CorrelationID: opts.CorrelationID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("tempstore: envelope marshal failed: %w", err)
	}

	if err := s.client.Set(ctx, s.rkey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("tempstore: redis set failed: %w", err)
	}
	s.sets.Add(1)
	return nil
}

func (s *RedisStore) getEnvelope(ctx context.Context, key string) (*redisEnvelope, error) {
	payload, err := s.client.Get(ctx, s.rkey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tempstore: redis get failed: %w", err)
	}
	var env redisEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("tempstore: envelope decode failed: %w", err)
	}
	return &env, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	env, err := s.getEnvelope(ctx, key)
	if err != nil {
		return nil, err
	}
	s.gets.Add(1)
	return env.Data, nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	env, err := s.getEnvelope(ctx, key)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(env.TTLMs) * time.Millisecond
	return &Metadata{
		Key:           key,
		Size:          len(env.Data),
		CreatedAt:     env.CreatedAt,
		ExpiresAt:     env.CreatedAt.Add(ttl),
		TTL:           ttl,
		Encrypted:     env.Encrypted,
		Category:      env.Category,
		CorrelationID: env.CorrelationID,
	}, nil
}

func (s *RedisStore) Has(ctx context.Context, key string) bool {
	n, err := s.client.Exists(ctx, s.rkey(key)).Result()
	return err == nil && n > 0
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.rkey(key)).Err(); err != nil {
		return fmt.Errorf("tempstore: redis del failed: %w", err)
	}
	s.deletes.Add(1)
	return nil
}

func (s *RedisStore) SecureDelete(ctx context.Context, key string) error {
	if err := redisSecureDeleteScript.Run(ctx, s.client, []string{s.rkey(key)}).Err(); err != nil {
		return fmt.Errorf("tempstore: redis secure delete failed: %w", err)
	}
	s.secureDeletes.Add(1)
	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.rkey(key)).Result()
	if err != nil {
		return -1, fmt.Errorf("tempstore: redis pttl failed: %w", err)
	}
	// redis: -2 missing, -1 no expiry. Both map to absent for our contract.
	if d < 0 {
		return -1, nil
	}
	return d, nil
}

func (s *RedisStore) ExtendTTL(ctx context.Context, key string, by time.Duration) error {
	cur, err := s.client.PTTL(ctx, s.rkey(key)).Result()
	if err != nil {
		return fmt.Errorf("tempstore: redis pttl failed: %w", err)
	}
	if cur < 0 {
		return ErrNotFound
	}
	if err := s.client.PExpire(ctx, s.rkey(key), cur+by).Err(); err != nil {
		return fmt.Errorf("tempstore: redis pexpire failed: %w", err)
	}
	return nil
}

// Cleanup is a no-op for redis: expiry is enforced server-side.
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	var entries int
	var bytesStored int64

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 250).Iterator()
	for iter.Next(ctx) {
		entries++
		if size, err := s.client.StrLen(ctx, iter.Val()).Result(); err == nil {
			bytesStored += size
		}
	}
	if err := iter.Err(); err != nil && !strings.Contains(err.Error(), "closed") {
		return nil, fmt.Errorf("tempstore: redis scan failed: %w", err)
	}

	return &Stats{
		Entries:       entries,
		BytesStored:   bytesStored,
		Sets:          s.sets.Load(),
		Gets:          s.gets.Load(),
		Deletes:       s.deletes.Load(),
		SecureDeletes: s.secureDeletes.Load(),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

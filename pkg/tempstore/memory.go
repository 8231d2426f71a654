package tempstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	data          []byte
	createdAt     time.Time
	expiresAt     time.Time
	ttl           time.Duration
	encrypted     bool
	category      string
	correlationID string
}

// MemoryStore is the in-process Store implementation. A janitor goroutine
// sweeps expired entries; Get treats expired-but-unswept entries as absent.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	stats   Stats
	closed  bool

	aead cipher.AEAD

	janitorStop chan struct{}
	janitorOnce sync.Once

	now func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithJanitorInterval starts a background sweep at the given interval.
func WithJanitorInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.janitorStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_, _ = s.Cleanup(context.Background())
				case <-s.janitorStop:
					return
				}
			}
		}()
	}
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory store. A random per-store AES-256-GCM
// key backs the Encrypt option; the key never leaves the process.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("tempstore: key generation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tempstore: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tempstore: gcm init failed: %w", err)
	}

	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		aead:    aead,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, data []byte, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultRawInvoiceTTL
	}

	content := make([]byte, len(data))
	copy(content, data)

	if opts.Encrypt {
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("tempstore: nonce generation failed: %w", err)
		}
		content = s.aead.Seal(nonce, nonce, content, []byte(key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := s.now()
	if old, ok := s.entries[key]; ok {
		s.stats.BytesStored -= int64(len(old.data))
	}
	s.entries[key] = &memoryEntry{
		data:          content,
		createdAt:     now,
		expiresAt:     now.Add(ttl),
		ttl:           ttl,
		encrypted:     opts.Encrypt,
		category:      opts.Category,
		correlationID: opts.CorrelationID,
	}
	s.stats.Sets++
	s.stats.BytesStored += int64(len(content))
	return nil
}

// live returns the entry if present and unexpired. Caller holds a lock.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return nil
	}
	return e
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	e := s.live(key)
	if e == nil {
		return nil, ErrNotFound
	}
	s.stats.Gets++

	if e.encrypted {
		ns := s.aead.NonceSize()
		if len(e.data) < ns {
			return nil, fmt.Errorf("tempstore: corrupt encrypted entry")
		}
		plain, err := s.aead.Open(nil, e.data[:ns], e.data[ns:], []byte(key))
		if err != nil {
			return nil, fmt.Errorf("tempstore: decrypt failed: %w", err)
		}
		return plain, nil
	}

	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.live(key)
	if e == nil {
		return nil, ErrNotFound
	}
	return &Metadata{
		Key:           key,
		Size:          len(e.data),
		CreatedAt:     e.createdAt,
		ExpiresAt:     e.expiresAt,
		TTL:           e.ttl,
		Encrypted:     e.encrypted,
		Category:      e.category,
		CorrelationID: e.correlationID,
	}, nil
}

func (s *MemoryStore) Has(ctx context.Context, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live(key) != nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	s.stats.Deletes++
	return nil
}

func (s *MemoryStore) SecureDelete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		for i := range e.data {
			e.data[i] = 0
		}
	}
	s.remove(key)
	s.stats.SecureDeletes++
	return nil
}

// remove drops an entry without zeroing. Caller holds the write lock.
func (s *MemoryStore) remove(key string) {
	if e, ok := s.entries[key]; ok {
		s.stats.BytesStored -= int64(len(e.data))
		delete(s.entries, key)
	}
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.live(key)
	if e == nil {
		return -1, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *MemoryStore) ExtendTTL(ctx context.Context, key string, by time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return ErrNotFound
	}
	e.expiresAt = e.expiresAt.Add(by)
	e.ttl += by
	return nil
}

func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	swept := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			// Expired raw content is zeroed, not just dropped.
			for i := range e.data {
				e.data[i] = 0
			}
			s.stats.BytesStored -= int64(len(e.data))
			delete(s.entries, key)
			swept++
		}
	}
	s.stats.ExpiredSwept += int64(swept)
	return swept, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.Entries = len(s.entries)
	return &st, nil
}

func (s *MemoryStore) Close() error {
	s.janitorOnce.Do(func() {
		if s.janitorStop != nil {
			close(s.janitorStop)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		for i := range e.data {
			e.data[i] = 0
		}
		delete(s.entries, key)
	}
	s.closed = true
	return nil
}

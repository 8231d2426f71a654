// Package tempstore provides the short-lived keyed byte store that holds raw
// invoice content for the duration of a validation run. Entries expire by
// TTL and support secure deletion (overwrite then delete). This store is the
// only place raw invoice bytes ever live; the zero-retention guarantee of
// the pipeline depends on it.
package tempstore

import (
	"context"
	"errors"
	"time"
)

// Default TTL for raw invoice entries.
const DefaultRawInvoiceTTL = 60 * time.Second

// Well-known entry categories. Keys are namespaced "category:runID".
const (
	CategoryRawInvoice    = "raw-invoice"
	CategoryParsedInvoice = "parsed-invoice"
	CategoryScratch       = "scratch"
)

// Key builds the canonical key for a category and run id.
func Key(category, runID string) string {
	return category + ":" + runID
}

var (
	// ErrNotFound is returned when a key is absent or already expired.
	ErrNotFound = errors.New("tempstore: entry not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tempstore: store closed")
)

// SetOptions configures a new entry.
type SetOptions struct {
	TTL           time.Duration
	Category      string
	Encrypt       bool
	CorrelationID string
}

// Metadata describes an entry without exposing its content.
type Metadata struct {
	Key           string    `json:"key"`
	Size          int       `json:"size"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	TTL           time.Duration `json:"ttl"`
	Encrypted     bool      `json:"encrypted"`
	Category      string    `json:"category,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Stats reports store-level counters.
type Stats struct {
	Entries        int   `json:"entries"`
	BytesStored    int64 `json:"bytesStored"`
	Sets           int64 `json:"sets"`
	Gets           int64 `json:"gets"`
	Deletes        int64 `json:"deletes"`
	SecureDeletes  int64 `json:"secureDeletes"`
	ExpiredSwept   int64 `json:"expiredSwept"`
}

// Store is the short-lived keyed store contract. Implementations must be
// safe for concurrent use across runs and must treat expired entries as
// absent.
type Store interface {
	Set(ctx context.Context, key string, data []byte, opts SetOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
	Has(ctx context.Context, key string) bool
	Delete(ctx context.Context, key string) error
	// SecureDelete overwrites the content with zeros before removal.
	// Best-effort on networked backends.
	SecureDelete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime, or -1 if the key is missing or
	// expired.
	TTL(ctx context.Context, key string) (time.Duration, error)
	ExtendTTL(ctx context.Context, key string, by time.Duration) error
	// Cleanup sweeps expired entries and returns how many were removed.
	Cleanup(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

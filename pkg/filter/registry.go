package filter

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrDuplicateID is returned when registering an id twice.
	ErrDuplicateID = errors.New("filter: id already registered")
	// ErrNotFound is returned for lookups of unregistered ids.
	ErrNotFound = errors.New("filter: not found")
)

// Filter ids are stable hyphenated identifiers.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*$`)

// Registered pairs a filter with its registration-time default config.
// Step config from the plan overrides these defaults key by key.
type Registered struct {
	Filter        Filter
	DefaultConfig map[string]any
}

// RegisterOption configures a registration.
type RegisterOption func(*Registered)

// WithDefaultConfig attaches a default config merged under step config.
func WithDefaultConfig(config map[string]any) RegisterOption {
	return func(r *Registered) { r.DefaultConfig = config }
}

// Registry is the process-wide id -> filter mapping. It owns registered
// filters for the process lifetime: OnInit runs at registration, OnDestroy
// at Close. Reads are lock-free for the duration of a run by contract (no
// registration happens mid-run).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registered
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Registered)}
}

// Register adds a filter. Fails on duplicate ids, malformed ids, or
// non-semver versions. OnInit errors abort the registration.
func (r *Registry) Register(f Filter, opts ...RegisterOption) error {
	if f == nil {
		return errors.New("filter: nil filter")
	}
	id := f.ID()
	if !idPattern.MatchString(id) {
		return fmt.Errorf("filter: invalid id %q (must be hyphenated lowercase)", id)
	}
	if _, err := semver.NewVersion(f.Version()); err != nil {
		return fmt.Errorf("filter: %q has non-semver version %q: %w", id, f.Version(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("filter: registry closed")
	}
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	entry := &Registered{Filter: f}
	for _, opt := range opts {
		opt(entry)
	}

	if init, ok := f.(Initializer); ok {
		if err := init.OnInit(); err != nil {
			return fmt.Errorf("filter: %q init failed: %w", id, err)
		}
	}

	r.entries[id] = entry
	return nil
}

// Unregister removes a filter, running OnDestroy if implemented.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.entries, id)

	if destroy, ok := entry.Filter.(Destroyer); ok {
		if err := destroy.OnDestroy(); err != nil {
			return fmt.Errorf("filter: %q destroy failed: %w", id, err)
		}
	}
	return nil
}

// Get resolves a filter by id.
func (r *Registry) Get(id string) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, nil
}

// Has reports whether an id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// List returns all registered ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Versions returns the id -> version mapping for plan snapshots.
func (r *Registry) Versions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.entries))
	for id, entry := range r.entries {
		out[id] = entry.Filter.Version()
	}
	return out
}

// Close destroys all filters. The registry is unusable afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, entry := range r.entries {
		if destroy, ok := entry.Filter.(Destroyer); ok {
			if err := destroy.OnDestroy(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("filter: %q destroy failed: %w", id, err)
			}
		}
		delete(r.entries, id)
	}
	r.closed = true
	return firstErr
}

// MergeConfig layers step config over registration defaults. Step keys win.
func MergeConfig(defaults, step map[string]any) map[string]any {
	if len(defaults) == 0 && len(step) == 0 {
		return map[string]any{}
	}
	merged := make(map[string]any, len(defaults)+len(step))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range step {
		merged[k] = v
	}
	return merged
}

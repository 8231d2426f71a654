// Package audit provides an append-only, hash-chained event log. Each entry
// carries the hash of its predecessor, so any mutation of the history is
// detectable with Verify.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/canonical"
)

// chainGenesis seeds the first entry's PrevHash.
const chainGenesis = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one audit record. Payload holds ids and counts only, never
// invoice content.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prevHash"`
	Hash      string         `json:"hash"`
}

// Log maintains a verifiable history of events.
type Log interface {
	Append(actor, action string, payload map[string]any) error
	Entries() ([]Entry, error)
}

func sealEntry(actor, action string, payload map[string]any, prev string) (Entry, error) {
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Action:    action,
		Payload:   payload,
		PrevHash:  prev,
	}
	h, err := canonical.Hash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("hash audit entry: %w", err)
	}
	e.Hash = h
	return e, nil
}

// Verify walks the chain and reports the first broken link.
func Verify(entries []Entry) error {
	prev := chainGenesis
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("audit chain broken at entry %d: prev hash mismatch", i)
		}
		check := e
		check.Hash = ""
		h, err := canonical.Hash(check)
		if err != nil {
			return fmt.Errorf("hash audit entry %d: %w", i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("audit chain broken at entry %d: entry hash mismatch", i)
		}
		prev = e.Hash
	}
	return nil
}

// FileLog is a persistent log backed by an append-only JSON-lines file.
type FileLog struct {
	mu   sync.Mutex
	path string
	last string
}

// NewFileLog opens (creating if needed) the log at path and recovers the
// chain tail from existing entries.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	_ = f.Close()

	l := &FileLog{path: path, last: chainGenesis}
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.last = entries[n-1].Hash
	}
	return l, nil
}

func (l *FileLog) Append(actor, action string, payload map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := sealEntry(actor, action, payload, l.last)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.last = e.Hash
	return nil
}

func (l *FileLog) Entries() ([]Entry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("decode audit entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MemoryLog keeps the chain in memory.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	last    string
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{last: chainGenesis}
}

func (l *MemoryLog) Append(actor, action string, payload map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := sealEntry(actor, action, payload, l.last)
	if err != nil {
		return err
	}
	l.entries = append(l.entries, e)
	l.last = e.Hash
	return nil
}

func (l *MemoryLog) Entries() ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

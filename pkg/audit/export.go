package audit

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start time must be before end time")
	// ErrLogNotConfigured is returned when export is invoked without a log.
	ErrLogNotConfigured = errors.New("audit: log not configured")
)

// ExportRequest bounds which entries go into the pack. Zero times mean
// unbounded on that side.
type ExportRequest struct {
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
}

// Exporter bundles audit entries into a verifiable evidence pack.
type Exporter struct {
	log Log
}

func NewExporter(log Log) *Exporter {
	return &Exporter{log: log}
}

// GeneratePack builds a zip with the selected entries and a manifest, and
// returns the zip bytes with their sha256 checksum. The chain is verified
// before export; a tampered log never ships.
func (e *Exporter) GeneratePack(req ExportRequest) ([]byte, string, error) {
	if e.log == nil {
		return nil, "", ErrLogNotConfigured
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	all, err := e.log.Entries()
	if err != nil {
		return nil, "", fmt.Errorf("audit: read entries: %w", err)
	}
	if err := Verify(all); err != nil {
		return nil, "", err
	}

	var (
		selected  []Entry
		chainHead string
	)
	if len(all) > 0 {
		chainHead = all[len(all)-1].Hash
	}
	for _, entry := range all {
		ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
		if err != nil {
			return nil, "", fmt.Errorf("audit: bad timestamp in entry: %w", err)
		}
		if !req.StartTime.IsZero() && ts.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && ts.After(req.EndTime) {
			continue
		}
		selected = append(selected, entry)
	}

	entriesJSON, err := json.MarshalIndent(selected, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal entries: %w", err)
	}

	manifest := map[string]any{
		"generatedAt": time.Now().UTC(),
		"entryCount":  len(selected),
		"chainHead":   chainHead,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("entries.json")
	if err != nil {
		return nil, "", fmt.Errorf("audit: build pack: %w", err)
	}
	_, _ = f.Write(entriesJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", fmt.Errorf("audit: build pack: %w", err)
	}
	_, _ = f.Write(manifestJSON)

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("audit: finalize pack: %w", err)
	}

	zipBytes := buf.Bytes()
	sum := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(sum[:]), nil
}

package audit

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/pipeline"
)

func TestMemoryLog_ChainVerifies(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Append("engine", "run_started", map[string]any{"runId": "r1"}))
	require.NoError(t, log.Append("engine", "step_completed", map[string]any{"filterId": "parser"}))
	require.NoError(t, log.Append("engine", "run_completed", nil))

	entries, err := log.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, chainGenesis, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.NoError(t, Verify(entries))
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Append("engine", "run_started", map[string]any{"runId": "r1"}))
	require.NoError(t, log.Append("engine", "run_completed", nil))

	entries, err := log.Entries()
	require.NoError(t, err)
	entries[0].Payload["runId"] = "forged"
	assert.Error(t, Verify(entries))
}

func TestVerify_DetectsBrokenLink(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Append("engine", "run_started", nil))
	require.NoError(t, log.Append("engine", "run_completed", nil))

	entries, err := log.Entries()
	require.NoError(t, err)
	assert.Error(t, Verify(entries[1:]))
}

func TestFileLog_PersistsAndRecoversTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append("engine", "run_started", map[string]any{"runId": "r1"}))
	require.NoError(t, log.Append("engine", "run_completed", map[string]any{"runId": "r1"}))

	// Reopen and continue the chain.
	log2, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log2.Append("engine", "run_started", map[string]any{"runId": "r2"}))

	entries, err := log2.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.NoError(t, Verify(entries))
}

func TestFileLog_TruncatedFileSurfacesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append("engine", "run_started", nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o600))

	_, err = NewFileLog(path)
	assert.Error(t, err)
}

func TestHook_RecordsLifecycleEvents(t *testing.T) {
	log := NewMemoryLog()
	hook := NewHook(log, "")

	hook.OnEvent(pipeline.Event{Type: pipeline.EventRunStarted, RunID: "r1", PlanID: "default"})
	hook.OnEvent(pipeline.Event{
		Type:     pipeline.EventStepCompleted,
		RunID:    "r1",
		FilterID: "parser",
		Result: &filter.Result{
			DurationMs: 12,
			Diagnostics: []diag.Diagnostic{
				{Code: "BR-CO-10", Severity: diag.SeverityError},
			},
		},
	})
	hook.OnEvent(pipeline.Event{Type: pipeline.EventRunAborted, RunID: "r1", AbortReason: "hard_block"})

	entries, err := log.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "engine", entries[0].Actor)
	assert.Equal(t, "run_started", entries[0].Action)
	assert.Equal(t, 1, entries[1].Payload["errors"])
	assert.Equal(t, "hard_block", entries[2].Payload["reason"])
	assert.NoError(t, Verify(entries))
}

func TestExporter_GeneratePack(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Append("engine", "run_started", map[string]any{"runId": "r1"}))
	require.NoError(t, log.Append("engine", "run_completed", map[string]any{"runId": "r1"}))

	zipBytes, checksum, err := NewExporter(log).GeneratePack(ExportRequest{})
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	r, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["entries.json"])
	assert.True(t, names["manifest.json"])
}

func TestExporter_TimeWindowFilters(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Append("engine", "run_started", nil))

	future := time.Now().Add(time.Hour)
	zipBytes, _, err := NewExporter(log).GeneratePack(ExportRequest{StartTime: future})
	require.NoError(t, err)

	r, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	require.NoError(t, err)
	for _, f := range r.File {
		if f.Name != "entries.json" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(rc)
		_ = rc.Close()
		assert.Equal(t, "null", buf.String())
	}
}

func TestExporter_InvalidRange(t *testing.T) {
	_, _, err := NewExporter(NewMemoryLog()).GeneratePack(ExportRequest{
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	_, _, err = NewExporter(nil).GeneratePack(ExportRequest{})
	assert.ErrorIs(t, err, ErrLogNotConfigured)
}

func TestExporter_RefusesTamperedChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := NewFileLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append("engine", "run_started", nil))
	require.NoError(t, log.Append("engine", "run_completed", nil))

	// Drop the first line so the chain no longer starts at genesis.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.SplitN(data, []byte("\n"), 2)
	require.Len(t, lines, 2)
	require.NoError(t, os.WriteFile(path, lines[1], 0o600))

	tampered := &FileLog{path: path, last: chainGenesis}
	_, _, err = NewExporter(tampered).GeneratePack(ExportRequest{})
	assert.Error(t, err)
}

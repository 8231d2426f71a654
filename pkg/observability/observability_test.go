package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/pipeline"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "veriflow-engine", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Disabled provider records are no-ops, never panics.
	p.RecordRun(context.Background())
	p.RecordDiagnostics(context.Background(), 3)
	p.RecordStepDuration(context.Background(), 10*time.Millisecond)
	p.RecordDecision(context.Background(), "ALLOW")

	ctx, done := p.TrackStep(context.Background(), "kosit.validate")
	require.NotNil(t, ctx)
	done(nil)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestRunAttributes(t *testing.T) {
	attrs := RunAttributes("r1", "c1", "default")
	require.Len(t, attrs, 3)
	assert.Equal(t, AttrRunID, attrs[0].Key)
	assert.Equal(t, "r1", attrs[0].Value.AsString())
	assert.Equal(t, "default", attrs[2].Value.AsString())
}

func TestStepAttributes(t *testing.T) {
	attrs := StepAttributes("r1", "parser", string(filter.ExecutionRan))
	require.Len(t, attrs, 3)
	assert.Equal(t, "parser", attrs[1].Value.AsString())
	assert.Equal(t, "ran", attrs[2].Value.AsString())
}

func TestMetricsHook_DisabledProviderIsSafe(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	hook := NewMetricsHook(p)

	hook.OnEvent(pipeline.Event{Type: pipeline.EventRunStarted, RunID: "r1"})
	hook.OnEvent(pipeline.Event{
		Type:     pipeline.EventStepCompleted,
		RunID:    "r1",
		FilterID: "parser",
		Result: &filter.Result{
			Execution:  filter.ExecutionRan,
			DurationMs: 5,
			Diagnostics: []diag.Diagnostic{
				{Code: "PARSE-00", Severity: diag.SeverityInfo},
			},
		},
	})
	hook.OnEvent(pipeline.Event{Type: pipeline.EventStepCompleted, RunID: "r1", FilterID: "gate"})
}

func TestMetricsHook_NilProviderIsSafe(t *testing.T) {
	(&MetricsHook{}).OnEvent(pipeline.Event{Type: pipeline.EventRunStarted})
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("MAX_PARALLELISM", "")
	t.Setenv("RAW_INVOICE_TTL", "")
	t.Setenv("POLICY_VERSION", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("KOSIT_CLI_COMMAND", "")
	t.Setenv("METRICS_ENABLED", "")

	cfg := Load()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 5, cfg.MaxParallelism)
	assert.Equal(t, 10*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 60*time.Second, cfg.RawInvoiceTTL)
	assert.Equal(t, "default-v1", cfg.PolicyVersion)
	assert.Empty(t, cfg.KositCLICommand)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_PARALLELISM", "12")
	t.Setenv("RAW_INVOICE_TTL", "90s")
	t.Setenv("KOSIT_CLI_COMMAND", "java -jar validator.jar")
	t.Setenv("METRICS_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12, cfg.MaxParallelism)
	assert.Equal(t, 90*time.Second, cfg.RawInvoiceTTL)
	assert.Equal(t, []string{"java", "-jar", "validator.jar"}, cfg.KositCLICommand)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MAX_PARALLELISM", "zero")
	t.Setenv("DEFAULT_FILTER_TIMEOUT", "-3s")

	cfg := Load()

	assert.Equal(t, 5, cfg.MaxParallelism)
	assert.Equal(t, 10*time.Second, cfg.DefaultTimeout)
}

func TestEffective_ProfileOverridesBase(t *testing.T) {
	base := Load()
	block := 0.8
	eff := NewEffective(base, &TenantProfile{
		TenantID: "acme",
		Policy: PolicyOverrides{
			PolicyVersion:      "acme-strict-v2",
			RequiredChecks:     []string{"kosit", "vies"},
			RiskBlockThreshold: &block,
		},
		Retention: RetentionSettings{RawInvoiceTTLSeconds: 30},
	})

	assert.Equal(t, "acme-strict-v2", eff.PolicyVersion())
	assert.Equal(t, 30*time.Second, eff.RawInvoiceTTL())

	gate := eff.GateConfig()
	assert.Equal(t, "acme-strict-v2", gate["policyVersion"])
	assert.Equal(t, []string{"kosit", "vies"}, gate["requiredChecks"])
	require.Contains(t, gate, "riskThresholds")
	assert.Equal(t, 0.8, gate["riskThresholds"].(map[string]any)["block"])
}

func TestEffective_NilProfileUsesBase(t *testing.T) {
	base := Load()
	eff := NewEffective(base, nil)

	assert.Equal(t, base.PolicyVersion, eff.PolicyVersion())
	assert.Equal(t, base.RawInvoiceTTL, eff.RawInvoiceTTL())
	assert.Empty(t, eff.DisabledSteps())

	cfgs := eff.StepConfigs()
	require.Contains(t, cfgs, "policy-gate")
	assert.Equal(t, base.PolicyVersion, cfgs["policy-gate"]["policyVersion"])
}

func TestSnapshotHash_DeterministicAndSensitive(t *testing.T) {
	base := Load()
	profile := &TenantProfile{
		TenantID: "acme",
		Plan: PlanOverrides{
			DisabledSteps: []string{"peppol"},
			StepConfigs:   map[string]map[string]any{"kosit": {"accept": "application/xml"}},
		},
	}

	a, err := NewEffective(base, profile).SnapshotHash()
	require.NoError(t, err)
	b, err := NewEffective(base, profile).SnapshotHash()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)

	changed := *profile
	changed.Policy.PolicyVersion = "acme-strict-v2"
	c, err := NewEffective(base, &changed).SnapshotHash()
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

package config

import (
	"time"

	"github.com/veriflow-labs/veriflow/pkg/canonical"
)

// Effective is the merged view of the engine config and one tenant profile.
// The zero profile leaves the engine defaults untouched.
type Effective struct {
	Base    *Config
	Profile *TenantProfile
}

// NewEffective merges the layers; profile may be nil.
func NewEffective(base *Config, profile *TenantProfile) *Effective {
	return &Effective{Base: base, Profile: profile}
}

// PolicyVersion resolves the gate policy version for this tenant.
func (e *Effective) PolicyVersion() string {
	if e.Profile != nil && e.Profile.Policy.PolicyVersion != "" {
		return e.Profile.Policy.PolicyVersion
	}
	return e.Base.PolicyVersion
}

// RawInvoiceTTL resolves the staging TTL for this tenant.
func (e *Effective) RawInvoiceTTL() time.Duration {
	if e.Profile != nil && e.Profile.Retention.RawInvoiceTTLSeconds > 0 {
		return time.Duration(e.Profile.Retention.RawInvoiceTTLSeconds) * time.Second
	}
	return e.Base.RawInvoiceTTL
}

// GateConfig builds the policy-gate step configuration from the layered
// settings.
func (e *Effective) GateConfig() map[string]any {
	cfg := map[string]any{"policyVersion": e.PolicyVersion()}
	if e.Profile == nil {
		return cfg
	}

	p := e.Profile.Policy
	if len(p.RequiredChecks) > 0 {
		cfg["requiredChecks"] = p.RequiredChecks
	}
	if p.ErrorBehavior != "" {
		cfg["errorBehavior"] = p.ErrorBehavior
	}
	if len(p.ExternalVerifierFailure) > 0 {
		ext := map[string]any{}
		for id, behavior := range p.ExternalVerifierFailure {
			ext[id] = behavior
		}
		cfg["externalVerifierFailure"] = ext
	}
	thresholds := map[string]any{}
	if p.RiskBlockThreshold != nil {
		thresholds["block"] = *p.RiskBlockThreshold
	}
	if p.RiskWarnThreshold != nil {
		thresholds["warn"] = *p.RiskWarnThreshold
	}
	if len(thresholds) > 0 {
		cfg["riskThresholds"] = thresholds
	}
	return cfg
}

// StepConfigs returns the per-step overrides, gate config included.
func (e *Effective) StepConfigs() map[string]map[string]any {
	out := map[string]map[string]any{}
	if e.Profile != nil {
		for id, cfg := range e.Profile.Plan.StepConfigs {
			out[id] = cfg
		}
	}
	out["policy-gate"] = e.GateConfig()
	return out
}

// DisabledSteps returns the tenant's disabled step ids.
func (e *Effective) DisabledSteps() []string {
	if e.Profile == nil {
		return nil
	}
	return e.Profile.Plan.DisabledSteps
}

// SnapshotHash is the canonical hash over everything that shapes a run's
// behavior. Two runs with equal hashes executed under identical effective
// configuration.
func (e *Effective) SnapshotHash() (string, error) {
	snapshot := map[string]any{
		"policyVersion":    e.PolicyVersion(),
		"rawInvoiceTtlMs":  e.RawInvoiceTTL().Milliseconds(),
		"maxParallelism":   e.Base.MaxParallelism,
		"defaultTimeoutMs": e.Base.DefaultTimeout.Milliseconds(),
		"stepConfigs":      e.StepConfigs(),
		"disabledSteps":    e.DisabledSteps(),
	}
	if e.Profile != nil {
		snapshot["tenantId"] = e.Profile.TenantID
		snapshot["planTimeoutMs"] = e.Profile.Plan.TimeoutMs
	}
	return canonical.Hash(snapshot)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant YAML overlay on the engine defaults.
type TenantProfile struct {
	Name     string `yaml:"name" json:"name"`
	TenantID string `yaml:"tenant_id" json:"tenantId"`

	Policy    PolicyOverrides   `yaml:"policy" json:"policy"`
	Plan      PlanOverrides     `yaml:"plan" json:"plan"`
	Retention RetentionSettings `yaml:"retention" json:"retention"`
}

// PolicyOverrides feed the policy gate configuration.
type PolicyOverrides struct {
	PolicyVersion           string            `yaml:"policy_version,omitempty" json:"policyVersion,omitempty"`
	RequiredChecks          []string          `yaml:"required_checks,omitempty" json:"requiredChecks,omitempty"`
	ErrorBehavior           string            `yaml:"error_behavior,omitempty" json:"errorBehavior,omitempty"`
	ExternalVerifierFailure map[string]string `yaml:"external_verifier_failure,omitempty" json:"externalVerifierFailure,omitempty"`
	RiskBlockThreshold      *float64          `yaml:"risk_block_threshold,omitempty" json:"riskBlockThreshold,omitempty"`
	RiskWarnThreshold       *float64          `yaml:"risk_warn_threshold,omitempty" json:"riskWarnThreshold,omitempty"`
}

// PlanOverrides tune the execution plan per tenant.
type PlanOverrides struct {
	DisabledSteps []string                  `yaml:"disabled_steps,omitempty" json:"disabledSteps,omitempty"`
	StepConfigs   map[string]map[string]any `yaml:"step_configs,omitempty" json:"stepConfigs,omitempty"`
	TimeoutMs     int                       `yaml:"timeout_ms,omitempty" json:"timeoutMs,omitempty"`
}

// RetentionSettings bound how long staged raw content may live.
type RetentionSettings struct {
	RawInvoiceTTLSeconds int `yaml:"raw_invoice_ttl_seconds,omitempty" json:"rawInvoiceTtlSeconds,omitempty"`
}

// LoadProfile loads profile_<tenant>.yaml from the profiles directory.
func LoadProfile(profilesDir, tenantID string) (*TenantProfile, error) {
	tenantID = strings.ToLower(tenantID)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", tenantID))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", tenantID, err)
	}
	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml under the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.TenantID] = &profile
	}
	return profiles, nil
}

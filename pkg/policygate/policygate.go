// Package policygate implements the decision layer: it folds step outcomes,
// diagnostics and configured thresholds into a final ALLOW /
// ALLOW_WITH_WARNINGS / BLOCK verdict with stable reason codes.
package policygate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
)

// Decision is the final verdict.
type Decision string

const (
	Allow             Decision = "ALLOW"
	AllowWithWarnings Decision = "ALLOW_WITH_WARNINGS"
	Block             Decision = "BLOCK"
)

// BlockType classifies what kind of rule produced a BLOCK.
type BlockType string

const (
	BlockTypeSystem     BlockType = "SYSTEM"
	BlockTypeCompliance BlockType = "COMPLIANCE"
	BlockTypePolicy     BlockType = "POLICY"
)

// Reason codes, stable for audit and API consumers.
const (
	ReasonRequiredCheckFailed  = "REQUIRED_CHECK_FAILED"
	ReasonStepError            = "STEP_ERROR"
	ReasonRequiredCheckMissing = "REQUIRED_CHECK_MISSING"
	ReasonHardBlockPresent     = "HARD_BLOCK_PRESENT"
	ReasonErrorPresent         = "ERROR_PRESENT"
	ReasonSchemaError          = "SCHEMA_ERROR"
	ReasonSchematronError      = "SCHEMATRON_ERROR"
	ReasonExternalFailed       = "EXTERNAL_VERIFIER_FAILED"
	ReasonExternalUnavailable  = "EXTERNAL_VERIFIER_UNAVAILABLE"
	ReasonRiskScoreBlock       = "RISK_SCORE_BLOCK"
	ReasonRiskScoreWarn        = "RISK_SCORE_WARN"
	ReasonWarningsPresent      = "WARNINGS_PRESENT"
	ReasonStepSkippedAborted   = "STEP_SKIPPED_ABORTED"
)

// Behavior values for errorBehavior / externalVerifierFailure.
const (
	BehaviorBlock = "block"
	BehaviorWarn  = "warn"
)

// DefaultPolicyVersion is stamped on decisions when config carries none.
const DefaultPolicyVersion = "default-v1"

// RiskThresholds gate the numeric risk score when one is present.
type RiskThresholds struct {
	Block float64 `json:"block,omitempty"`
	Warn  float64 `json:"warn,omitempty"`
}

// Config is the gate's effective configuration, decoded from the step config
// map.
type Config struct {
	RequiredChecks          []string
	ErrorBehavior           string
	ExternalVerifierFailure string

	// ExternalVerifierOverrides sets the failure behavior per verifier id,
	// taking precedence over ExternalVerifierFailure.
	ExternalVerifierOverrides map[string]string

	ExternalVerifiers   []string
	RiskThresholds      RiskThresholds
	IncludeStepAnalysis bool
	PolicyVersion       string
}

// Built-in external verifier step ids, overridable via config.
var defaultExternalVerifiers = []string{"vies", "ecb-rates", "peppol"}

// ParseConfig decodes the schema-less step config, applying defaults.
func ParseConfig(m map[string]any) Config {
	cfg := Config{
		ErrorBehavior:           BehaviorBlock,
		ExternalVerifierFailure: BehaviorWarn,
		ExternalVerifiers:       defaultExternalVerifiers,
		PolicyVersion:           DefaultPolicyVersion,
	}
	if m == nil {
		return cfg
	}
	if v, ok := m["requiredChecks"].([]string); ok {
		cfg.RequiredChecks = v
	} else if v, ok := m["requiredChecks"].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				cfg.RequiredChecks = append(cfg.RequiredChecks, s)
			}
		}
	}
	if v, ok := m["errorBehavior"].(string); ok && v != "" {
		cfg.ErrorBehavior = v
	}
	// The failure behavior comes either as one behavior for all verifiers or
	// as a per-id map.
	switch v := m["externalVerifierFailure"].(type) {
	case string:
		if v != "" {
			cfg.ExternalVerifierFailure = v
		}
	case map[string]string:
		cfg.ExternalVerifierOverrides = v
	case map[string]any:
		overrides := map[string]string{}
		for id, behavior := range v {
			if s, ok := behavior.(string); ok && s != "" {
				overrides[id] = s
			}
		}
		if len(overrides) > 0 {
			cfg.ExternalVerifierOverrides = overrides
		}
	}
	if v, ok := m["externalVerifiers"].([]string); ok && len(v) > 0 {
		cfg.ExternalVerifiers = v
	} else if v, ok := m["externalVerifiers"].([]any); ok && len(v) > 0 {
		var ids []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				ids = append(ids, s)
			}
		}
		if len(ids) > 0 {
			cfg.ExternalVerifiers = ids
		}
	}
	if v, ok := m["policyVersion"].(string); ok && v != "" {
		cfg.PolicyVersion = v
	}
	if v, ok := m["includeStepAnalysis"].(bool); ok {
		cfg.IncludeStepAnalysis = v
	}
	if rt, ok := m["riskThresholds"].(map[string]any); ok {
		cfg.RiskThresholds.Block = toFloat(rt["block"])
		cfg.RiskThresholds.Warn = toFloat(rt["warn"])
	}
	return cfg
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// StepAnalysis is the optional per-step breakdown on the decision.
type StepAnalysis struct {
	StepID                string      `json:"stepId"`
	Status                string      `json:"status"`
	ContributedToDecision bool        `json:"contributedToDecision"`
	Contribution          string      `json:"contribution"` // block, warn, neutral
	TriggeredReasons      []string    `json:"triggeredReasons,omitempty"`
	DiagnosticCounts      diag.Counts `json:"diagnosticCounts"`
}

// GateDecision is the final verdict record. It never carries raw invoice
// values, names or paths.
type GateDecision struct {
	Decision             Decision       `json:"decision"`
	ReasonCodes          []string       `json:"reasonCodes"`
	BlockType            BlockType      `json:"blockType,omitempty"`
	AppliedPolicyVersion string         `json:"appliedPolicyVersion"`
	EffectiveAt          time.Time      `json:"effectiveAt"`
	Summary              string         `json:"summary"`
	StepAnalysis         []StepAnalysis `json:"stepAnalysis,omitempty"`
}

// evaluation accumulates rule hits before the verdict is folded.
type evaluation struct {
	blockType    BlockType
	blockReasons []string
	warnReasons  []string
	perStep      map[string]*StepAnalysis
}

// Evaluate runs the decision rules over the completed steps. BLOCK rules are
// evaluated in a fixed order and the first match pins blockType; warn-level
// reasons aggregate.
func Evaluate(view filter.ContextView, cfg Config) *GateDecision {
	steps := view.CompletedSteps()
	ev := &evaluation{perStep: map[string]*StepAnalysis{}}
	for i := range steps {
		s := &steps[i]
		ev.perStep[s.FilterID] = &StepAnalysis{
			StepID:           s.FilterID,
			Status:           string(s.Execution),
			Contribution:     "neutral",
			DiagnosticCounts: diag.Count(s.Diagnostics),
		}
	}

	ev.requiredChecks(steps, cfg)
	ev.hardBlocks(steps)
	ev.errorDiagnostics(steps, cfg)
	ev.externalVerifiers(steps, cfg)
	ev.riskScore(steps, cfg)
	ev.warnSignals(steps)

	decision := &GateDecision{
		AppliedPolicyVersion: cfg.PolicyVersion,
		EffectiveAt:          time.Now().UTC(),
	}

	switch {
	case len(ev.blockReasons) > 0:
		decision.Decision = Block
		decision.BlockType = ev.blockType
		decision.ReasonCodes = dedupe(append(ev.blockReasons, ev.warnReasons...))
	case len(ev.warnReasons) > 0:
		decision.Decision = AllowWithWarnings
		decision.ReasonCodes = dedupe(ev.warnReasons)
	default:
		decision.Decision = Allow
		decision.ReasonCodes = []string{}
	}
	decision.Summary = summarize(decision)

	if cfg.IncludeStepAnalysis {
		ids := make([]string, 0, len(ev.perStep))
		for id := range ev.perStep {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			decision.StepAnalysis = append(decision.StepAnalysis, *ev.perStep[id])
		}
	}
	return decision
}

// block registers a block-level hit; the first hit pins the block type.
func (ev *evaluation) block(bt BlockType, stepID string, reasons ...string) {
	if len(ev.blockReasons) == 0 {
		ev.blockType = bt
	}
	ev.blockReasons = append(ev.blockReasons, reasons...)
	ev.mark(stepID, "block", reasons)
}

func (ev *evaluation) warn(stepID string, reasons ...string) {
	ev.warnReasons = append(ev.warnReasons, reasons...)
	ev.mark(stepID, "warn", reasons)
}

func (ev *evaluation) mark(stepID, contribution string, reasons []string) {
	sa, ok := ev.perStep[stepID]
	if !ok {
		return
	}
	sa.ContributedToDecision = true
	if contribution == "block" || sa.Contribution == "neutral" {
		sa.Contribution = contribution
	}
	sa.TriggeredReasons = dedupe(append(sa.TriggeredReasons, reasons...))
}

func (ev *evaluation) requiredChecks(steps []filter.Result, cfg Config) {
	for _, required := range cfg.RequiredChecks {
		found := false
		for i := range steps {
			if steps[i].FilterID != required {
				continue
			}
			found = true
			if steps[i].Execution == filter.ExecutionErrored {
				ev.block(BlockTypeSystem, required, ReasonRequiredCheckFailed, ReasonStepError)
			}
		}
		if !found {
			ev.block(BlockTypeSystem, required, ReasonRequiredCheckMissing)
		}
	}
}

func (ev *evaluation) hardBlocks(steps []filter.Result) {
	for i := range steps {
		if diag.HasHardBlock(steps[i].Diagnostics) {
			ev.block(BlockTypeCompliance, steps[i].FilterID, ReasonHardBlockPresent)
		}
	}
}

// parser/kosit reason derivation follows step ids; filters may refine via the
// schemaError / schematronError metadata flags.
var (
	parserIDs = map[string]bool{"parser": true, "steps-parser": true}
	kositIDs  = map[string]bool{"kosit": true, "steps-kosit": true}
)

func (ev *evaluation) errorDiagnostics(steps []filter.Result, cfg Config) {
	if cfg.ErrorBehavior != BehaviorBlock {
		return
	}
	for i := range steps {
		s := &steps[i]
		if s.Execution != filter.ExecutionRan || !diag.HasErrors(s.Diagnostics) {
			continue
		}
		reasons := []string{ReasonErrorPresent}
		switch {
		case s.MetaBool("schemaError") || parserIDs[s.FilterID]:
			reasons = append(reasons, ReasonSchemaError)
		case s.MetaBool("schematronError") || kositIDs[s.FilterID]:
			reasons = append(reasons, ReasonSchematronError)
		}
		ev.block(BlockTypeCompliance, s.FilterID, reasons...)
	}
}

func (ev *evaluation) externalVerifiers(steps []filter.Result, cfg Config) {
	external := map[string]bool{}
	for _, id := range cfg.ExternalVerifiers {
		external[id] = true
	}
	for i := range steps {
		s := &steps[i]
		if !external[s.FilterID] {
			continue
		}
		failed := s.Execution == filter.ExecutionErrored
		unavailable := s.MetaBool("systemError")
		if !failed && !unavailable {
			continue
		}
		reason := ReasonExternalFailed
		if unavailable {
			reason = ReasonExternalUnavailable
		}
		behavior := cfg.ExternalVerifierFailure
		if o, ok := cfg.ExternalVerifierOverrides[s.FilterID]; ok {
			behavior = o
		}
		if behavior == BehaviorBlock {
			ev.block(BlockTypePolicy, s.FilterID, reason)
		} else {
			ev.warn(s.FilterID, reason)
		}
	}
}

func (ev *evaluation) riskScore(steps []filter.Result, cfg Config) {
	score, stepID, ok := riskScore(steps)
	if !ok {
		return
	}
	if cfg.RiskThresholds.Block > 0 && score >= cfg.RiskThresholds.Block {
		ev.block(BlockTypePolicy, stepID, ReasonRiskScoreBlock)
		return
	}
	if cfg.RiskThresholds.Warn > 0 && score >= cfg.RiskThresholds.Warn {
		ev.warn(stepID, ReasonRiskScoreWarn)
	}
}

// riskScore finds the first numeric risk score in step metadata. Whether the
// score comes from a semantic-risk step or an external model is not the
// gate's concern.
func riskScore(steps []filter.Result) (float64, string, bool) {
	for i := range steps {
		if v, ok := steps[i].Meta(filter.MetaRiskScore); ok {
			switch n := v.(type) {
			case float64:
				return n, steps[i].FilterID, true
			case int:
				return float64(n), steps[i].FilterID, true
			}
		}
	}
	return 0, "", false
}

func (ev *evaluation) warnSignals(steps []filter.Result) {
	warned := false
	for i := range steps {
		s := &steps[i]
		if s.Execution == filter.ExecutionSkipped && s.SkipReason == filter.SkipReasonPipelineAborted {
			ev.mark(s.FilterID, "warn", []string{ReasonStepSkippedAborted})
			warned = true
		}
		if s.Execution != filter.ExecutionSkipped && diag.Count(s.Diagnostics).Warnings > 0 {
			ev.warn(s.FilterID, ReasonWarningsPresent)
		}
	}
	if warned {
		ev.warnReasons = append(ev.warnReasons, ReasonStepSkippedAborted)
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// summarize renders a short non-sensitive sentence from the verdict.
func summarize(d *GateDecision) string {
	switch d.Decision {
	case Allow:
		return "Invoice passed all configured compliance checks."
	case AllowWithWarnings:
		return fmt.Sprintf("Invoice accepted with warnings (%s).", strings.Join(d.ReasonCodes, ", "))
	default:
		return fmt.Sprintf("Invoice blocked: %s (%s).", d.BlockType, strings.Join(d.ReasonCodes, ", "))
	}
}

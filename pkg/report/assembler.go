package report

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veriflow-labs/veriflow/pkg/crypto"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/pipeline"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
)

// Assembler turns a finished run into the signed validation report. The
// signer is optional; without one the report carries an unsigned fingerprint.
type Assembler struct {
	signer crypto.Signer
	now    func() time.Time
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithSigner enables JWS attestation of the fingerprint.
func WithSigner(s crypto.Signer) AssemblerOption {
	return func(a *Assembler) { a.signer = s }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler builds a report assembler.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble builds the validation report for a completed run. It never fails
// on missing optional pieces (no parsed invoice, no gate step); it fails only
// when fingerprint hashing or signing fails.
func (a *Assembler) Assemble(run *pipeline.RunResult) (*ValidationReport, error) {
	if run == nil {
		return nil, fmt.Errorf("report: nil run result")
	}

	summary := Summarize(run.Parsed)
	decision := decisionFrom(run.Results)
	counts := diag.Count(run.Diagnostics)

	fp, err := a.fingerprint(run, summary, decision, counts)
	if err != nil {
		return nil, err
	}

	rep := &ValidationReport{
		RunID:                  run.RunID,
		CorrelationID:          run.CorrelationID,
		ReportState:            deriveState(run.Results, run.Aborted),
		Diagnostics:            run.Diagnostics,
		DiagnosticCounts:       counts,
		Steps:                  run.Results,
		StepStatistics:         stepStats(run.Results),
		InvoiceSummary:         summary,
		PlanSnapshot:           run.Snapshot,
		Fingerprint:            fp,
		Timing:                 Timing{StartedAt: run.StartedAt, CompletedAt: run.CompletedAt, DurationMs: run.DurationMs},
		FinalDecision:          decision,
		AppliedRetentionPolicy: RetentionPolicy,
		RetentionWarnings:      run.RetentionWarnings,
	}

	if a.signer != nil {
		signed, err := a.signFingerprint(fp)
		if err != nil {
			return nil, err
		}
		rep.SignedFingerprint = signed
	}
	return rep, nil
}

func (a *Assembler) fingerprint(run *pipeline.RunResult, summary InvoiceSummary, decision *policygate.GateDecision, counts diag.Counts) (*ComplianceFingerprint, error) {
	ts := a.now().UTC()
	id, err := NewFingerprintID(ts)
	if err != nil {
		return nil, err
	}

	checks := checkStatuses(run.Results)
	status, score := statusAndScore(decision, counts)

	planRef := PlanRef{ID: run.PlanID}
	var filterVersions map[string]string
	if run.Snapshot != nil {
		planRef.Version = run.Snapshot.PlanVersion
		planRef.ConfigHash = run.Snapshot.ConfigHash
		filterVersions = run.Snapshot.FilterVersions
	}

	hash, err := fingerprintHash(run.RunID, status, score, checks, summary, planRef.ConfigHash, ts)
	if err != nil {
		return nil, fmt.Errorf("report: fingerprint hash failed: %w", err)
	}

	return &ComplianceFingerprint{
		ID:             id,
		Status:         status,
		Score:          score,
		Timestamp:      ts,
		Checks:         checks,
		RiskNotes:      riskNotes(run.Results),
		Fingerprint:    hash,
		ExecutionPlan:  planRef,
		FilterVersions: filterVersions,
		DurationMs:     run.DurationMs,
	}, nil
}

// signFingerprint wraps the fingerprint in a compact JWS so downstream
// systems can verify the verdict without trusting report storage.
func (a *Assembler) signFingerprint(fp *ComplianceFingerprint) (string, error) {
	claims := jwt.MapClaims{
		"iss":   "veriflow",
		"sub":   fp.ID,
		"iat":   fp.Timestamp.Unix(),
		"fp":    fp.Fingerprint,
		"sts":   fp.Status,
		"score": fp.Score,
	}
	token, err := a.signer.SignClaims(claims)
	if err != nil {
		return "", fmt.Errorf("report: fingerprint signing failed: %w", err)
	}
	return token, nil
}

// riskNotes collects note strings emitted by scoring steps.
func riskNotes(steps []filter.Result) []string {
	var notes []string
	for i := range steps {
		v, ok := steps[i].Meta(filter.MetaRiskNotes)
		if !ok {
			continue
		}
		switch vv := v.(type) {
		case []string:
			notes = append(notes, vv...)
		case []any:
			for _, e := range vv {
				if s, ok := e.(string); ok {
					notes = append(notes, s)
				}
			}
		}
	}
	return notes
}

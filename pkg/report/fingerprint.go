package report

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/canonical"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
)

// Check statuses inside a fingerprint.
const (
	CheckVerified     = "VERIFIED"
	CheckVerifiedLive = "VERIFIED_LIVE"
	CheckFailed       = "FAILED"
	CheckSkipped      = "SKIPPED"
	CheckUnverified   = "UNVERIFIED"
)

// Fingerprint statuses derived from the gate decision.
const (
	StatusApproved             = "APPROVED"
	StatusApprovedWithWarnings = "APPROVED_WITH_WARNINGS"
	StatusRejected             = "REJECTED"
)

// PlanRef pins the executed plan inside the fingerprint.
type PlanRef struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	ConfigHash string `json:"configHash"`
}

// ComplianceFingerprint is the compact audit artifact retained after the run.
// Its hash binds run id, verdict, per-check statuses and the masked summary.
type ComplianceFingerprint struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Score          int               `json:"score"`
	Timestamp      time.Time         `json:"timestamp"`
	Checks         map[string]string `json:"checks"`
	RiskNotes      []string          `json:"riskNotes,omitempty"`
	Fingerprint    string            `json:"fingerprint"`
	ExecutionPlan  PlanRef           `json:"executionPlan"`
	FilterVersions map[string]string `json:"filterVersions"`
	DurationMs     int64             `json:"durationMs"`
}

// Step ids treated as live external checks for VERIFIED_LIVE.
var liveCheckIDs = map[string]bool{"vies": true, "ecb-rates": true, "peppol": true}

// NewFingerprintID builds "FL-{base36 epoch ms}-{6 base36 random}".
func NewFingerprintID(now time.Time) (string, error) {
	suffix := make([]byte, 6)
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("report: fingerprint id entropy failed: %w", err)
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return fmt.Sprintf("FL-%s-%s", strconv.FormatInt(now.UnixMilli(), 36), suffix), nil
}

// checkStatuses maps each step to its fingerprint check status.
func checkStatuses(steps []filter.Result) map[string]string {
	checks := make(map[string]string, len(steps))
	for i := range steps {
		s := &steps[i]
		switch s.Execution {
		case filter.ExecutionSkipped:
			checks[s.FilterID] = CheckSkipped
		case filter.ExecutionErrored:
			checks[s.FilterID] = CheckUnverified
		default:
			if diag.HasErrors(s.Diagnostics) {
				checks[s.FilterID] = CheckFailed
			} else if liveCheckIDs[s.FilterID] {
				checks[s.FilterID] = CheckVerifiedLive
			} else {
				checks[s.FilterID] = CheckVerified
			}
		}
	}
	return checks
}

// statusAndScore derives the fingerprint status and 0-100 score from the
// gate decision and the diagnostic tallies. A clean ALLOW is exactly 100.
func statusAndScore(decision *policygate.GateDecision, counts diag.Counts) (string, int) {
	status := StatusApproved
	if decision != nil {
		switch decision.Decision {
		case policygate.Block:
			status = StatusRejected
		case policygate.AllowWithWarnings:
			status = StatusApprovedWithWarnings
		}
	}
	score := 100 - 25*counts.Errors - 5*counts.Warnings
	if score < 0 {
		score = 0
	}
	return status, score
}

// fingerprintHash computes the binding hash over the canonical subset.
func fingerprintHash(runID, status string, score int, checks map[string]string, summary InvoiceSummary, planConfigHash string, ts time.Time) (string, error) {
	return canonical.Hash(map[string]any{
		"runId":          runID,
		"status":         status,
		"score":          score,
		"checks":         checks,
		"invoiceSummary": summary,
		"planConfigHash": planConfigHash,
		"timestamp":      ts.UTC().Format(time.RFC3339Nano),
	})
}

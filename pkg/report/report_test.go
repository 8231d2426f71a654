package report

import (
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow/pkg/crypto"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/pipeline"
	"github.com/veriflow-labs/veriflow/pkg/plan"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
)

var fingerprintIDRe = regexp.MustCompile(`^FL-[0-9a-z]+-[0-9a-z]{6}$`)

func testInvoice() *invoice.Canonical {
	return &invoice.Canonical{
		Format:    invoice.FormatXRechnungUBL,
		Number:    "RE-2026-001",
		IssueDate: "2026-01-15",
		Currency:  "EUR",
		Seller:    invoice.Party{Name: "Acme GmbH", VATID: "DE123456789"},
		Buyer:     invoice.Party{Name: "Widget AG", VATID: "DE987654321"},
		Lines:     []invoice.Line{{ID: "1"}, {ID: "2"}},
		Totals:    invoice.Totals{PayableAmount: "119.00"},
	}
}

func ranStep(id string) filter.Result {
	return filter.Result{FilterID: id, Execution: filter.ExecutionRan}
}

func gateStep(d *policygate.GateDecision) filter.Result {
	return filter.Result{
		FilterID:  policygate.FilterID,
		Execution: filter.ExecutionRan,
		Metadata:  map[string]any{policygate.MetaDecision: d},
	}
}

func cleanRun() *pipeline.RunResult {
	started := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	return &pipeline.RunResult{
		RunID:         "run-1",
		CorrelationID: "corr-1",
		PlanID:        "default-compliance",
		Results: []filter.Result{
			ranStep("parser"),
			ranStep("kosit"),
			ranStep("vies"),
			gateStep(&policygate.GateDecision{Decision: policygate.Allow}),
		},
		Snapshot: &plan.Snapshot{
			PlanID:         "default-compliance",
			PlanVersion:    "1.0.0",
			ConfigHash:     "sha256:abc",
			FilterVersions: map[string]string{"parser": "2.1.0"},
		},
		StartedAt:   started,
		CompletedAt: started.Add(820 * time.Millisecond),
		DurationMs:  820,
		Parsed:      testInvoice(),
	}
}

func TestAssemble_CleanRun(t *testing.T) {
	a := NewAssembler()
	rep, err := a.Assemble(cleanRun())
	require.NoError(t, err)

	assert.Equal(t, StateComplete, rep.ReportState)
	assert.Equal(t, RetentionPolicy, rep.AppliedRetentionPolicy)
	require.NotNil(t, rep.FinalDecision)
	assert.Equal(t, policygate.Allow, rep.FinalDecision.Decision)

	fp := rep.Fingerprint
	require.NotNil(t, fp)
	assert.Equal(t, StatusApproved, fp.Status)
	assert.Equal(t, 100, fp.Score)
	assert.Regexp(t, fingerprintIDRe, fp.ID)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, fp.Fingerprint)
	assert.Equal(t, CheckVerified, fp.Checks["parser"])
	assert.Equal(t, CheckVerified, fp.Checks["kosit"])
	assert.Equal(t, CheckVerifiedLive, fp.Checks["vies"])
	assert.Equal(t, "1.0.0", fp.ExecutionPlan.Version)
	assert.Equal(t, "sha256:abc", fp.ExecutionPlan.ConfigHash)
	assert.Equal(t, "2.1.0", fp.FilterVersions["parser"])
	assert.Equal(t, int64(820), fp.DurationMs)

	assert.Equal(t, 4, rep.StepStatistics.Total)
	assert.Equal(t, 4, rep.StepStatistics.Ran)
}

func TestAssemble_MaskedSummary(t *testing.T) {
	rep, err := NewAssembler().Assemble(cleanRun())
	require.NoError(t, err)

	s := rep.InvoiceSummary
	assert.Equal(t, invoice.FormatXRechnungUBL, s.Format)
	assert.Equal(t, "R*********1", s.InvoiceNumber)
	assert.Equal(t, "DE***89", s.SellerVATID)
	assert.Equal(t, "DE***21", s.BuyerVATID)
	assert.Equal(t, "119.00", s.TotalAmount)
	assert.Equal(t, 2, s.LineCount)
	assert.NotContains(t, s.InvoiceNumber, "RE-2026")
}

func TestAssemble_BlockedRunScoresDown(t *testing.T) {
	run := cleanRun()
	run.Diagnostics = []diag.Diagnostic{
		{Severity: diag.SeverityError, Code: "BR-DE-1"},
		{Severity: diag.SeverityWarning, Code: "BR-CL-10"},
	}
	run.Results[3] = gateStep(&policygate.GateDecision{
		Decision:  policygate.Block,
		BlockType: policygate.BlockTypeCompliance,
	})

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, rep.Fingerprint.Status)
	assert.Equal(t, 70, rep.Fingerprint.Score)
}

func TestAssemble_ScoreFloorsAtZero(t *testing.T) {
	run := cleanRun()
	for i := 0; i < 5; i++ {
		run.Diagnostics = append(run.Diagnostics, diag.Diagnostic{Severity: diag.SeverityError, Code: "BR-1"})
	}
	run.Results[3] = gateStep(&policygate.GateDecision{Decision: policygate.Block})

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Fingerprint.Score)
}

func TestAssemble_AbortedRunIncomplete(t *testing.T) {
	run := cleanRun()
	run.Aborted = true
	run.AbortReason = "fail_fast"
	run.Results[2] = filter.Result{
		FilterID:   "vies",
		Execution:  filter.ExecutionSkipped,
		SkipReason: filter.SkipReasonPipelineAborted,
	}

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, StateIncomplete, rep.ReportState)
	assert.Equal(t, CheckSkipped, rep.Fingerprint.Checks["vies"])
}

func TestAssemble_ErroredStepWinsOverAborted(t *testing.T) {
	run := cleanRun()
	run.Aborted = true
	run.Results[1] = filter.Result{
		FilterID:  "kosit",
		Execution: filter.ExecutionErrored,
		Error:     &filter.StepError{Name: "TIMEOUT", Message: "deadline exceeded"},
	}

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, StateErrored, rep.ReportState)
	assert.Equal(t, CheckUnverified, rep.Fingerprint.Checks["kosit"])
}

func TestAssemble_StepWithErrorsIsFailedCheck(t *testing.T) {
	run := cleanRun()
	run.Results[1].Diagnostics = []diag.Diagnostic{{Severity: diag.SeverityError, Code: "BR-DE-21"}}

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, CheckFailed, rep.Fingerprint.Checks["kosit"])
}

func TestAssemble_WarningsStatus(t *testing.T) {
	run := cleanRun()
	run.Diagnostics = []diag.Diagnostic{{Severity: diag.SeverityWarning, Code: "BR-CL-10"}}
	run.Results[3] = gateStep(&policygate.GateDecision{Decision: policygate.AllowWithWarnings})

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, StatusApprovedWithWarnings, rep.Fingerprint.Status)
	assert.Equal(t, 95, rep.Fingerprint.Score)
}

func TestAssemble_RiskNotesCollected(t *testing.T) {
	run := cleanRun()
	run.Results = append(run.Results, filter.Result{
		FilterID:  "semantic-risk",
		Execution: filter.ExecutionRan,
		Metadata: map[string]any{
			filter.MetaRiskNotes: []string{"round amount", "weekend issue date"},
		},
	})

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, []string{"round amount", "weekend issue date"}, rep.Fingerprint.RiskNotes)
}

func TestAssemble_SignedFingerprint(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("report-key-1")
	require.NoError(t, err)

	rep, err := NewAssembler(WithSigner(signer)).Assemble(cleanRun())
	require.NoError(t, err)
	require.NotEmpty(t, rep.SignedFingerprint)

	claims := jwt.MapClaims{}
	require.NoError(t, crypto.VerifyJWS(rep.SignedFingerprint, signer.PublicKeyBytes(), &claims))
	assert.Equal(t, rep.Fingerprint.Fingerprint, claims["fp"])
	assert.Equal(t, rep.Fingerprint.ID, claims["sub"])
	assert.Equal(t, string(StatusApproved), claims["sts"])
}

func TestAssemble_NoParsedInvoice(t *testing.T) {
	run := cleanRun()
	run.Parsed = nil

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Equal(t, InvoiceSummary{}, rep.InvoiceSummary)
}

func TestAssemble_NilRun(t *testing.T) {
	_, err := NewAssembler().Assemble(nil)
	assert.Error(t, err)
}

func TestAssemble_MissingGateStep(t *testing.T) {
	run := cleanRun()
	run.Results = run.Results[:3]

	rep, err := NewAssembler().Assemble(run)
	require.NoError(t, err)
	assert.Nil(t, rep.FinalDecision)
	assert.Equal(t, StatusApproved, rep.Fingerprint.Status)
}

func TestFingerprintHash_Deterministic(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	checks := map[string]string{"parser": CheckVerified}
	sum := Summarize(testInvoice())

	h1, err := fingerprintHash("run-1", StatusApproved, 100, checks, sum, "sha256:abc", ts)
	require.NoError(t, err)
	h2, err := fingerprintHash("run-1", StatusApproved, 100, checks, sum, "sha256:abc", ts)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	h3, err := fingerprintHash("run-2", StatusApproved, 100, checks, sum, "sha256:abc", ts)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestNewFingerprintID_Format(t *testing.T) {
	id, err := NewFingerprintID(time.Now())
	require.NoError(t, err)
	assert.Regexp(t, fingerprintIDRe, id)

	other, err := NewFingerprintID(time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

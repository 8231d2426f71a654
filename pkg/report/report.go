// Package report assembles the final validation report: masked invoice
// summary, compliance fingerprint, plan snapshot, gate decision and
// retention warnings. Reports carry no raw invoice content.
package report

import (
	"time"

	"github.com/veriflow-labs/veriflow/pkg/cleanup"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/plan"
	"github.com/veriflow-labs/veriflow/pkg/policygate"
	"github.com/veriflow-labs/veriflow/pkg/privacy"
)

// State of the assembled report.
type State string

const (
	StateComplete   State = "complete"
	StateIncomplete State = "incomplete"
	StateErrored    State = "errored"
)

// RetentionPolicy stamped on every report.
const RetentionPolicy = "zero-retention"

// InvoiceSummary is the fixed masked subset that may leave the pipeline.
type InvoiceSummary struct {
	Format        invoice.Format `json:"format"`
	InvoiceNumber string         `json:"invoiceNumber"`
	IssueDate     string         `json:"issueDate"`
	Currency      string         `json:"currency"`
	TotalAmount   string         `json:"totalAmount"`
	SellerVATID   string         `json:"sellerVatId,omitempty"`
	BuyerVATID    string         `json:"buyerVatId,omitempty"`
	LineCount     int            `json:"lineCount"`
}

// Summarize masks the parsed invoice down to the report subset. Returns the
// zero summary when no invoice was parsed.
func Summarize(inv *invoice.Canonical) InvoiceSummary {
	if inv == nil {
		return InvoiceSummary{}
	}
	return InvoiceSummary{
		Format:        inv.Format,
		InvoiceNumber: privacy.MaskIdentifier(inv.Number),
		IssueDate:     inv.IssueDate,
		Currency:      inv.Currency,
		TotalAmount:   inv.Totals.PayableAmount,
		SellerVATID:   privacy.MaskVATID(inv.Seller.VATID),
		BuyerVATID:    privacy.MaskVATID(inv.Buyer.VATID),
		LineCount:     len(inv.Lines),
	}
}

// StepStatistics aggregates step executions for the report header.
type StepStatistics struct {
	Total   int `json:"total"`
	Ran     int `json:"ran"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Timing is the run's wall-clock envelope.
type Timing struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// ValidationReport is the single output of a validation run.
type ValidationReport struct {
	RunID                  string                     `json:"runId"`
	CorrelationID          string                     `json:"correlationId,omitempty"`
	ReportState            State                      `json:"reportState"`
	Diagnostics            []diag.Diagnostic          `json:"diagnostics"`
	DiagnosticCounts       diag.Counts                `json:"diagnosticCounts"`
	Steps                  []filter.Result            `json:"steps"`
	StepStatistics         StepStatistics             `json:"stepStatistics"`
	InvoiceSummary         InvoiceSummary             `json:"invoiceSummary"`
	PlanSnapshot           *plan.Snapshot             `json:"planSnapshot"`
	Fingerprint            *ComplianceFingerprint     `json:"fingerprint"`
	SignedFingerprint      string                     `json:"signedFingerprint,omitempty"`
	Timing                 Timing                     `json:"timing"`
	FinalDecision          *policygate.GateDecision   `json:"finalDecision,omitempty"`
	AppliedRetentionPolicy string                     `json:"appliedRetentionPolicy"`
	RetentionWarnings      []cleanup.RetentionWarning `json:"retentionWarnings,omitempty"`
}

// deriveState maps step outcomes to the report state: errored wins over
// incomplete wins over complete.
func deriveState(steps []filter.Result, aborted bool) State {
	for i := range steps {
		if steps[i].Execution == filter.ExecutionErrored {
			return StateErrored
		}
	}
	if aborted {
		return StateIncomplete
	}
	return StateComplete
}

func stepStats(steps []filter.Result) StepStatistics {
	st := StepStatistics{Total: len(steps)}
	for i := range steps {
		switch steps[i].Execution {
		case filter.ExecutionRan:
			st.Ran++
		case filter.ExecutionSkipped:
			st.Skipped++
		case filter.ExecutionErrored:
			st.Errored++
		}
	}
	return st
}

// decisionFrom finds the policy gate result under either canonical id.
func decisionFrom(steps []filter.Result) *policygate.GateDecision {
	for i := range steps {
		id := steps[i].FilterID
		if id != policygate.FilterID && id != policygate.FilterIDAlt {
			continue
		}
		if d, ok := policygate.DecisionFrom(&steps[i]); ok {
			return d
		}
	}
	return nil
}

package filters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/decimal"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
)

// SemanticRiskID is the id of the heuristic risk scorer.
const (
	SemanticRiskID      = "semantic-risk"
	semanticRiskVersion = "0.9.0"
)

// Heuristic weights. The score is the sum of triggered signals, capped at 1.
const (
	riskRoundAmount      = 0.15
	riskWeekendIssueDate = 0.10
	riskMissingBuyerRef  = 0.10
	riskMissingVATIDs    = 0.20
	riskHighValue        = 0.25
	riskFutureIssueDate  = 0.30
)

// highValueThreshold in invoice currency units.
var highValueThreshold = decimal.MustParse("50000")

// NewSemanticRisk builds the scoring filter. It never blocks by itself; the
// policy gate compares the emitted score against its thresholds.
func NewSemanticRisk() filter.Filter {
	return newSemanticRisk(time.Now)
}

func newSemanticRisk(now func() time.Time) filter.Filter {
	return &filter.Func{
		FilterID:          SemanticRiskID,
		FilterName:        "Semantic Risk",
		FilterVersion:     semanticRiskVersion,
		FilterDescription: "Scores heuristic fraud and anomaly signals on the parsed invoice.",
		FilterTags:        []string{"risk", "heuristic"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			inv := view.ParsedInvoice()
			if inv == nil {
				return filter.SkippedResult(SemanticRiskID, "no parsed invoice"), nil
			}

			score, notes := scoreInvoice(inv, now())

			result := filter.NewResult(SemanticRiskID)
			result.Metadata = map[string]any{
				filter.MetaRiskScore: score,
				filter.MetaRiskNotes: notes,
			}
			result.Diagnostics = append(result.Diagnostics,
				diag.New("RISK-00", diag.SeverityInfo, diag.CategoryBusinessRule, SemanticRiskID,
					fmt.Sprintf("risk score %.2f from %d signals", score, len(notes))))
			return result, nil
		},
	}
}

func scoreInvoice(inv *invoice.Canonical, now time.Time) (float64, []string) {
	score := 0.0
	notes := []string{}
	add := func(weight float64, note string) {
		score += weight
		notes = append(notes, note)
	}

	if payable, err := decimal.Parse(inv.Totals.PayableAmount); err == nil {
		if isRoundAmount(payable) && payable.Sign() > 0 {
			add(riskRoundAmount, "payable amount is a round hundred")
		}
		if payable.Cmp(highValueThreshold) >= 0 {
			add(riskHighValue, "payable amount exceeds high-value threshold")
		}
	}

	if issued, err := time.Parse("2006-01-02", inv.IssueDate); err == nil {
		switch issued.Weekday() {
		case time.Saturday, time.Sunday:
			add(riskWeekendIssueDate, "issue date falls on a weekend")
		}
		if issued.After(now.AddDate(0, 0, 1)) {
			add(riskFutureIssueDate, "issue date lies in the future")
		}
	}

	if inv.BuyerReference == "" {
		add(riskMissingBuyerRef, "buyer reference missing")
	}
	if inv.Seller.VATID == "" && inv.Buyer.VATID == "" {
		add(riskMissingVATIDs, "neither party carries a VAT id")
	}

	if score > 1 {
		score = 1
	}
	return score, notes
}

// isRoundAmount reports whether the amount is a multiple of 100. Checked on
// the fixed string form to avoid a modulo helper on the decimal type.
func isRoundAmount(d decimal.Decimal) bool {
	s := d.StringFixed(2, decimal.RoundingDown)
	if len(s) < 6 {
		return false
	}
	return strings.HasSuffix(s, "00.00")
}

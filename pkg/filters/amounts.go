package filters

import (
	"context"
	"fmt"

	"github.com/veriflow-labs/veriflow/pkg/decimal"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
)

// AmountValidationID is the id of the arithmetic consistency step.
const (
	AmountValidationID      = "steps-amount-validation"
	amountValidationVersion = "1.3.0"
)

// defaultRateTolerance absorbs rounding differences in rate-derived tax
// amounts (EN16931 allows one cent per breakdown entry).
const defaultRateTolerance = "0.01"

// NewAmountValidation builds the filter checking the EN16931 calculation
// rules (BR-CO family) over the parsed invoice.
func NewAmountValidation() filter.Filter {
	return &filter.Func{
		FilterID:          AmountValidationID,
		FilterName:        "Amount Validation",
		FilterVersion:     amountValidationVersion,
		FilterDescription: "Checks line sums, totals and tax breakdown arithmetic.",
		FilterTags:        []string{"calculation", "business-rule"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			inv := view.ParsedInvoice()
			if inv == nil {
				return filter.SkippedResult(AmountValidationID, "no parsed invoice"), nil
			}

			result := filter.NewResult(AmountValidationID)
			result.Diagnostics = checkAmounts(inv, rateTolerance(config))
			return result, nil
		},
	}
}

func rateTolerance(config map[string]any) decimal.Decimal {
	if v, ok := config["rateToleranceAmount"].(string); ok {
		if d, err := decimal.Parse(v); err == nil {
			return d
		}
	}
	return decimal.MustParse(defaultRateTolerance)
}

func checkAmounts(inv *invoice.Canonical, tolerance decimal.Decimal) []diag.Diagnostic {
	var diags []diag.Diagnostic

	if bad := inv.ValidateAmounts(); len(bad) > 0 {
		for _, path := range bad {
			diags = append(diags, diag.New("BR-DEC-01", diag.SeverityError,
				diag.CategoryCalculation, AmountValidationID,
				"malformed amount string").WithLocation(path))
		}
		return diags
	}

	fail := func(code, msg, location string) {
		diags = append(diags, diag.New(code, diag.SeverityError,
			diag.CategoryCalculation, AmountValidationID, msg).WithLocation(location))
	}

	// BR-CO-10: sum of line net amounts equals the line extension total.
	if inv.Totals.LineExtensionAmount != "" && len(inv.Lines) > 0 {
		sum := decimal.Zero()
		for _, l := range inv.Lines {
			if l.NetAmount != "" {
				sum = sum.Add(decimal.MustParse(l.NetAmount))
			}
		}
		if sum.Cmp(decimal.MustParse(inv.Totals.LineExtensionAmount)) != 0 {
			fail("BR-CO-10", fmt.Sprintf("sum of line net amounts %s does not equal line extension amount %s",
				sum.StringFixed(2, decimal.DefaultRounding), inv.Totals.LineExtensionAmount),
				"totals.lineExtensionAmount")
		}
	}

	// BR-CO-13: tax exclusive = line extension - allowances + charges.
	if inv.Totals.TaxExclusiveAmount != "" && inv.Totals.LineExtensionAmount != "" {
		expected := decimal.MustParse(inv.Totals.LineExtensionAmount)
		if inv.Totals.AllowanceTotal != "" {
			expected = expected.Sub(decimal.MustParse(inv.Totals.AllowanceTotal))
		}
		if inv.Totals.ChargeTotal != "" {
			expected = expected.Add(decimal.MustParse(inv.Totals.ChargeTotal))
		}
		if expected.Cmp(decimal.MustParse(inv.Totals.TaxExclusiveAmount)) != 0 {
			fail("BR-CO-13", fmt.Sprintf("tax exclusive amount %s does not match line extension minus allowances plus charges %s",
				inv.Totals.TaxExclusiveAmount, expected.StringFixed(2, decimal.DefaultRounding)),
				"totals.taxExclusiveAmount")
		}
	}

	// BR-CO-14: total tax equals the sum of the breakdown tax amounts.
	if inv.Totals.TaxAmount != "" && len(inv.TaxBreakdown) > 0 {
		sum := decimal.Zero()
		for _, tb := range inv.TaxBreakdown {
			if tb.TaxAmount != "" {
				sum = sum.Add(decimal.MustParse(tb.TaxAmount))
			}
		}
		if sum.Cmp(decimal.MustParse(inv.Totals.TaxAmount)) != 0 {
			fail("BR-CO-14", fmt.Sprintf("tax total %s does not equal sum of tax breakdown amounts %s",
				inv.Totals.TaxAmount, sum.StringFixed(2, decimal.DefaultRounding)),
				"totals.taxAmount")
		}
	}

	// BR-CO-15: tax inclusive = tax exclusive + tax.
	if inv.Totals.TaxInclusiveAmount != "" && inv.Totals.TaxExclusiveAmount != "" && inv.Totals.TaxAmount != "" {
		expected := decimal.MustParse(inv.Totals.TaxExclusiveAmount).Add(decimal.MustParse(inv.Totals.TaxAmount))
		if expected.Cmp(decimal.MustParse(inv.Totals.TaxInclusiveAmount)) != 0 {
			fail("BR-CO-15", fmt.Sprintf("tax inclusive amount %s does not equal tax exclusive plus tax %s",
				inv.Totals.TaxInclusiveAmount, expected.StringFixed(2, decimal.DefaultRounding)),
				"totals.taxInclusiveAmount")
		}
	}

	// BR-CO-16: payable equals tax inclusive (no prepaid/rounding fields in
	// the normalized subset).
	if inv.Totals.PayableAmount != "" && inv.Totals.TaxInclusiveAmount != "" {
		if decimal.MustParse(inv.Totals.PayableAmount).Cmp(decimal.MustParse(inv.Totals.TaxInclusiveAmount)) != 0 {
			fail("BR-CO-16", fmt.Sprintf("payable amount %s does not equal tax inclusive amount %s",
				inv.Totals.PayableAmount, inv.Totals.TaxInclusiveAmount),
				"totals.payableAmount")
		}
	}

	// BR-CO-17: per breakdown entry, tax = taxable * rate / 100 within the
	// rounding tolerance.
	hundred := decimal.MustParse("100")
	for i, tb := range inv.TaxBreakdown {
		if tb.TaxableAmount == "" || tb.Rate == "" || tb.TaxAmount == "" {
			continue
		}
		expected := decimal.MustParse(tb.TaxableAmount).Mul(decimal.MustParse(tb.Rate))
		delta := expected.Sub(hundred.Mul(decimal.MustParse(tb.TaxAmount))).Abs()
		if delta.Cmp(hundred.Mul(tolerance)) > 0 {
			fail("BR-CO-17", fmt.Sprintf("tax amount %s deviates from rate-derived value for rate %s%%",
				tb.TaxAmount, tb.Rate),
				fmt.Sprintf("taxBreakdown.%d.taxAmount", i))
		}
	}

	// Line-level: quantity * unit price should equal the net amount.
	for i, l := range inv.Lines {
		if l.Quantity == "" || l.UnitPrice == "" || l.NetAmount == "" {
			continue
		}
		expected := decimal.MustParse(l.Quantity).Mul(decimal.MustParse(l.UnitPrice))
		if expected.Round(2, decimal.DefaultRounding).Cmp(decimal.MustParse(l.NetAmount)) != 0 {
			fail("BR-DE-LINE", fmt.Sprintf("line net amount %s does not equal quantity times unit price %s",
				l.NetAmount, expected.StringFixed(2, decimal.DefaultRounding)),
				fmt.Sprintf("lines.%d.netAmount", i))
		}
	}

	return diags
}

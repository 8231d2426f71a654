// Package invoice defines the raw invoice envelope and the normalized
// EN16931 subset used by validation filters. All monetary and quantity
// amounts are decimal strings; arithmetic goes through pkg/decimal.
package invoice

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow/pkg/decimal"
)

// ContentType hints at the raw payload encoding.
type ContentType string

const (
	ContentTypeXML  ContentType = "xml"
	ContentTypeJSON ContentType = "json"
	ContentTypePDF  ContentType = "pdf"
)

// Format identifies the e-invoice dialect, when known up front.
type Format string

const (
	FormatXRechnungUBL Format = "xrechnung-ubl"
	FormatXRechnungCII Format = "xrechnung-cii"
	FormatZUGFeRD      Format = "zugferd"
	FormatFacturX      Format = "factur-x"
	FormatPeppolBIS    Format = "peppol-bis"
	FormatUnknown      Format = "unknown"
)

// Raw is the opaque submitted invoice. The pipeline context holds only a
// temp-store key; the bytes live exclusively in the TempStore entry.
type Raw struct {
	Content     []byte      `json:"-"`
	ContentType ContentType `json:"contentType"`
	FormatHint  Format      `json:"formatHint,omitempty"`
}

// Party is a seller or buyer.
type Party struct {
	Name              string   `json:"name"`
	VATID             string   `json:"vatId,omitempty"`
	TaxNumber         string   `json:"taxNumber,omitempty"`
	Address           *Address `json:"address,omitempty"`
	ElectronicAddress string   `json:"electronicAddress,omitempty"`
}

// Address is a postal address.
type Address struct {
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	CountryCode string `json:"countryCode"`
}

// Line is a single invoice line item.
type Line struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Quantity    string `json:"quantity"`
	UnitCode    string `json:"unitCode,omitempty"`
	UnitPrice   string `json:"unitPrice"`
	NetAmount   string `json:"netAmount"`
	TaxCategory string `json:"taxCategory,omitempty"`
	TaxRate     string `json:"taxRate,omitempty"`
}

// TaxBreakdownEntry groups tax by category and rate.
type TaxBreakdownEntry struct {
	Category      string `json:"category"`
	Rate          string `json:"rate"`
	TaxableAmount string `json:"taxableAmount"`
	TaxAmount     string `json:"taxAmount"`
}

// AllowanceCharge is a document-level allowance (negative) or charge.
type AllowanceCharge struct {
	IsCharge bool   `json:"isCharge"`
	Reason   string `json:"reason,omitempty"`
	Amount   string `json:"amount"`
}

// Totals is the monetary total block.
type Totals struct {
	LineExtensionAmount string `json:"lineExtensionAmount"`
	TaxExclusiveAmount  string `json:"taxExclusiveAmount"`
	TaxInclusiveAmount  string `json:"taxInclusiveAmount"`
	TaxAmount           string `json:"taxAmount"`
	AllowanceTotal      string `json:"allowanceTotal,omitempty"`
	ChargeTotal         string `json:"chargeTotal,omitempty"`
	PayableAmount       string `json:"payableAmount"`
}

// Canonical is the normalized EN16931 subset attached to the run context
// after the parser step completes.
type Canonical struct {
	Format            Format              `json:"format"`
	Number            string              `json:"number"`
	IssueDate         string              `json:"issueDate"`
	DueDate           string              `json:"dueDate,omitempty"`
	Currency          string              `json:"currency"`
	BuyerReference    string              `json:"buyerReference,omitempty"`
	Seller            Party               `json:"seller"`
	Buyer             Party               `json:"buyer"`
	Lines             []Line              `json:"lines"`
	Totals            Totals              `json:"totals"`
	TaxBreakdown      []TaxBreakdownEntry `json:"taxBreakdown,omitempty"`
	AllowancesCharges []AllowanceCharge   `json:"allowancesCharges,omitempty"`
	PaymentTerms      string              `json:"paymentTerms,omitempty"`
}

// ValidateAmounts checks that every monetary/quantity field is a well-formed
// decimal string. Returns the offending JSON-ish paths.
func (c *Canonical) ValidateAmounts() []string {
	var bad []string
	check := func(path, v string) {
		if v != "" && !decimal.IsValidAmount(v) {
			bad = append(bad, path)
		}
	}
	check("totals.lineExtensionAmount", c.Totals.LineExtensionAmount)
	check("totals.taxExclusiveAmount", c.Totals.TaxExclusiveAmount)
	check("totals.taxInclusiveAmount", c.Totals.TaxInclusiveAmount)
	check("totals.taxAmount", c.Totals.TaxAmount)
	check("totals.allowanceTotal", c.Totals.AllowanceTotal)
	check("totals.chargeTotal", c.Totals.ChargeTotal)
	check("totals.payableAmount", c.Totals.PayableAmount)
	for i, l := range c.Lines {
		prefix := fmt.Sprintf("lines.%d.", i)
		check(prefix+"quantity", l.Quantity)
		check(prefix+"unitPrice", l.UnitPrice)
		check(prefix+"netAmount", l.NetAmount)
		check(prefix+"taxRate", l.TaxRate)
	}
	for i, tb := range c.TaxBreakdown {
		prefix := fmt.Sprintf("taxBreakdown.%d.", i)
		check(prefix+"rate", tb.Rate)
		check(prefix+"taxableAmount", tb.TaxableAmount)
		check(prefix+"taxAmount", tb.TaxAmount)
	}
	for i, ac := range c.AllowancesCharges {
		check(fmt.Sprintf("allowancesCharges.%d.amount", i), ac.Amount)
	}
	return bad
}

// FieldExists resolves a dotted path (e.g. "seller.vatId", "lines.0.netAmount")
// against the invoice and reports whether it resolves to a non-empty value.
func (c *Canonical) FieldExists(path string) bool {
	if c == nil || path == "" {
		return false
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return false
	}

	cur := generic
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return false
			}
			cur = v
		case []any:
			idx := -1
			if _, err := fmt.Sscanf(seg, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return false
			}
			cur = node[idx]
		default:
			return false
		}
	}

	switch v := cur.(type) {
	case nil:
		return false
	case string:
		return v != ""
	default:
		return true
	}
}

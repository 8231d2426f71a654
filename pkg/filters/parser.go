// Package filters provides the built-in validation steps wired into the
// default execution plan: invoice parsing, amount arithmetic, semantic risk
// scoring, the KoSIT validator client, the live external verifiers and the
// fingerprint marker.
package filters

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
)

// ParserID is the canonical id of the parsing step. ParserIDAlt is accepted
// for plans written against the legacy step naming.
const (
	ParserID      = "parser"
	ParserIDAlt   = "steps-parser"
	parserVersion = "2.1.0"
)

// NewParser builds the parsing filter. It loads the raw bytes from the temp
// store, decodes UBL, CII or canonical JSON, and attaches the normalized
// invoice to the run via result metadata.
func NewParser() filter.Filter {
	return newParserWithID(ParserID)
}

func newParserWithID(id string) filter.Filter {
	return &filter.Func{
		FilterID:          id,
		FilterName:        "Invoice Parser",
		FilterVersion:     parserVersion,
		FilterDescription: "Decodes UBL, CII or canonical JSON into the normalized invoice model.",
		FilterTags:        []string{"parsing", "schema"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			result := filter.NewResult(id)

			raw, err := view.TempStore().Get(ctx, view.RawInvoiceKey())
			if err != nil {
				return nil, fmt.Errorf("raw invoice unavailable: %w", err)
			}

			inv, parseErr := ParseInvoice(raw, view.RawInvoice().ContentType, view.RawInvoice().FormatHint)
			if parseErr != nil {
				d := diag.New("PARSE-01", diag.SeverityError, diag.CategorySchema, id, parseErr.Error())
				result.Diagnostics = append(result.Diagnostics, d)
				result.Metadata = map[string]any{"schemaError": true}
				return result, nil
			}

			result.Metadata = map[string]any{filter.MetaParsedInvoice: inv}
			result.Diagnostics = append(result.Diagnostics,
				diag.New("PARSE-00", diag.SeverityInfo, diag.CategorySchema, id,
					fmt.Sprintf("parsed %s invoice with %d lines", inv.Format, len(inv.Lines))))
			return result, nil
		},
	}
}

// ParseInvoice decodes raw bytes into the normalized model. The content type
// is a hint; the payload is sniffed when it is absent or wrong.
func ParseInvoice(raw []byte, ct invoice.ContentType, hint invoice.Format) (*invoice.Canonical, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty invoice payload")
	}

	if trimmed[0] == '{' || ct == invoice.ContentTypeJSON {
		return parseJSON(trimmed)
	}
	if trimmed[0] != '<' {
		return nil, fmt.Errorf("unrecognized payload: neither XML nor JSON")
	}

	root, err := rootElement(trimmed)
	if err != nil {
		return nil, err
	}
	switch root {
	case "Invoice", "CreditNote":
		return parseUBL(trimmed, hint)
	case "CrossIndustryInvoice":
		return parseCII(trimmed, hint)
	default:
		return nil, fmt.Errorf("unsupported XML root element %q", root)
	}
}

func rootElement(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("malformed XML: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func parseJSON(raw []byte) (*invoice.Canonical, error) {
	var inv invoice.Canonical
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("malformed JSON invoice: %w", err)
	}
	if inv.Number == "" {
		return nil, fmt.Errorf("JSON invoice missing number")
	}
	if inv.Format == "" {
		inv.Format = invoice.FormatUnknown
	}
	return &inv, nil
}

// UBL (ISO 19845) subset. encoding/xml matches by local name, so the cbc:/
// cac: prefixes in real documents do not matter here.
type ublDoc struct {
	ID                      string     `xml:"ID"`
	IssueDate               string     `xml:"IssueDate"`
	DueDate                 string     `xml:"DueDate"`
	DocumentCurrencyCode    string     `xml:"DocumentCurrencyCode"`
	BuyerReference          string     `xml:"BuyerReference"`
	CustomizationID         string     `xml:"CustomizationID"`
	AccountingSupplierParty ublPartyEl `xml:"AccountingSupplierParty>Party"`
	AccountingCustomerParty ublPartyEl `xml:"AccountingCustomerParty>Party"`
	TaxTotal                []ublTax   `xml:"TaxTotal"`
	LegalMonetaryTotal      ublTotals  `xml:"LegalMonetaryTotal"`
	Lines                   []ublLine  `xml:"InvoiceLine"`
	CreditLines             []ublLine  `xml:"CreditNoteLine"`
	PaymentTerms            string     `xml:"PaymentTerms>Note"`
}

type ublPartyEl struct {
	Name        string `xml:"PartyName>Name"`
	LegalName   string `xml:"PartyLegalEntity>RegistrationName"`
	VATID       string `xml:"PartyTaxScheme>CompanyID"`
	EndpointID  string `xml:"EndpointID"`
	Street      string `xml:"PostalAddress>StreetName"`
	City        string `xml:"PostalAddress>CityName"`
	PostalCode  string `xml:"PostalAddress>PostalZone"`
	CountryCode string `xml:"PostalAddress>Country>IdentificationCode"`
}

type ublTax struct {
	TaxAmount ublAmount     `xml:"TaxAmount"`
	Subtotals []ublSubtotal `xml:"TaxSubtotal"`
}

type ublSubtotal struct {
	TaxableAmount ublAmount `xml:"TaxableAmount"`
	TaxAmount     ublAmount `xml:"TaxAmount"`
	Category      string    `xml:"TaxCategory>ID"`
	Percent       string    `xml:"TaxCategory>Percent"`
}

type ublTotals struct {
	LineExtensionAmount ublAmount `xml:"LineExtensionAmount"`
	TaxExclusiveAmount  ublAmount `xml:"TaxExclusiveAmount"`
	TaxInclusiveAmount  ublAmount `xml:"TaxInclusiveAmount"`
	AllowanceTotal      ublAmount `xml:"AllowanceTotalAmount"`
	ChargeTotal         ublAmount `xml:"ChargeTotalAmount"`
	PayableAmount       ublAmount `xml:"PayableAmount"`
}

type ublAmount struct {
	Value string `xml:",chardata"`
}

type ublQuantity struct {
	Value string `xml:",chardata"`
	Unit  string `xml:"unitCode,attr"`
}

type ublLine struct {
	ID                  string      `xml:"ID"`
	Quantity            ublQuantity `xml:"InvoicedQuantity"`
	CreditedQuantity    ublQuantity `xml:"CreditedQuantity"`
	LineExtensionAmount ublAmount `xml:"LineExtensionAmount"`
	ItemName            string    `xml:"Item>Name"`
	TaxCategory         string    `xml:"Item>ClassifiedTaxCategory>ID"`
	TaxPercent          string    `xml:"Item>ClassifiedTaxCategory>Percent"`
	PriceAmount         ublAmount `xml:"Price>PriceAmount"`
}

func parseUBL(raw []byte, hint invoice.Format) (*invoice.Canonical, error) {
	var doc ublDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed UBL document: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("UBL document missing ID")
	}

	inv := &invoice.Canonical{
		Format:         ublFormat(doc.CustomizationID, hint),
		Number:         doc.ID,
		IssueDate:      doc.IssueDate,
		DueDate:        doc.DueDate,
		Currency:       doc.DocumentCurrencyCode,
		BuyerReference: doc.BuyerReference,
		Seller:         ublParty(doc.AccountingSupplierParty),
		Buyer:          ublParty(doc.AccountingCustomerParty),
		PaymentTerms:   strings.TrimSpace(doc.PaymentTerms),
		Totals: invoice.Totals{
			LineExtensionAmount: strings.TrimSpace(doc.LegalMonetaryTotal.LineExtensionAmount.Value),
			TaxExclusiveAmount:  strings.TrimSpace(doc.LegalMonetaryTotal.TaxExclusiveAmount.Value),
			TaxInclusiveAmount:  strings.TrimSpace(doc.LegalMonetaryTotal.TaxInclusiveAmount.Value),
			AllowanceTotal:      strings.TrimSpace(doc.LegalMonetaryTotal.AllowanceTotal.Value),
			ChargeTotal:         strings.TrimSpace(doc.LegalMonetaryTotal.ChargeTotal.Value),
			PayableAmount:       strings.TrimSpace(doc.LegalMonetaryTotal.PayableAmount.Value),
		},
	}

	for _, t := range doc.TaxTotal {
		if inv.Totals.TaxAmount == "" {
			inv.Totals.TaxAmount = strings.TrimSpace(t.TaxAmount.Value)
		}
		for _, s := range t.Subtotals {
			inv.TaxBreakdown = append(inv.TaxBreakdown, invoice.TaxBreakdownEntry{
				Category:      s.Category,
				Rate:          strings.TrimSpace(s.Percent),
				TaxableAmount: strings.TrimSpace(s.TaxableAmount.Value),
				TaxAmount:     strings.TrimSpace(s.TaxAmount.Value),
			})
		}
	}

	lines := doc.Lines
	if len(lines) == 0 {
		lines = doc.CreditLines
	}
	for _, l := range lines {
		qty, unit := strings.TrimSpace(l.Quantity.Value), l.Quantity.Unit
		if qty == "" {
			qty, unit = strings.TrimSpace(l.CreditedQuantity.Value), l.CreditedQuantity.Unit
		}
		inv.Lines = append(inv.Lines, invoice.Line{
			ID:          l.ID,
			Description: l.ItemName,
			Quantity:    qty,
			UnitCode:    unit,
			UnitPrice:   strings.TrimSpace(l.PriceAmount.Value),
			NetAmount:   strings.TrimSpace(l.LineExtensionAmount.Value),
			TaxCategory: l.TaxCategory,
			TaxRate:     strings.TrimSpace(l.TaxPercent),
		})
	}
	return inv, nil
}

func ublParty(p ublPartyEl) invoice.Party {
	name := p.Name
	if name == "" {
		name = p.LegalName
	}
	party := invoice.Party{
		Name:              name,
		VATID:             strings.TrimSpace(p.VATID),
		ElectronicAddress: strings.TrimSpace(p.EndpointID),
	}
	if p.CountryCode != "" || p.City != "" || p.Street != "" {
		party.Address = &invoice.Address{
			Street:      p.Street,
			City:        p.City,
			PostalCode:  p.PostalCode,
			CountryCode: p.CountryCode,
		}
	}
	return party
}

func ublFormat(customizationID string, hint invoice.Format) invoice.Format {
	c := strings.ToLower(customizationID)
	switch {
	case strings.Contains(c, "xrechnung"):
		return invoice.FormatXRechnungUBL
	case strings.Contains(c, "peppol"):
		return invoice.FormatPeppolBIS
	case hint != "" && hint != invoice.FormatUnknown:
		return hint
	default:
		return invoice.FormatXRechnungUBL
	}
}

// CII (UN/CEFACT cross-industry invoice) subset.
type ciiDoc struct {
	Context struct {
		GuidelineID string `xml:"GuidelineSpecifiedDocumentContextParameter>ID"`
	} `xml:"ExchangedDocumentContext"`
	Document struct {
		ID        string `xml:"ID"`
		IssueDate string `xml:"IssueDateTime>DateTimeString"`
	} `xml:"ExchangedDocument"`
	Transaction struct {
		Agreement struct {
			BuyerReference string     `xml:"BuyerReference"`
			Seller         ciiPartyEl `xml:"SellerTradeParty"`
			Buyer          ciiPartyEl `xml:"BuyerTradeParty"`
		} `xml:"ApplicableHeaderTradeAgreement"`
		Settlement struct {
			Currency string `xml:"InvoiceCurrencyCode"`
			Taxes    []struct {
				CalculatedAmount string `xml:"CalculatedAmount"`
				BasisAmount      string `xml:"BasisAmount"`
				CategoryCode     string `xml:"CategoryCode"`
				RatePercent      string `xml:"RateApplicablePercent"`
			} `xml:"ApplicableTradeTax"`
			Totals struct {
				LineTotal        string `xml:"LineTotalAmount"`
				TaxBasisTotal    string `xml:"TaxBasisTotalAmount"`
				TaxTotal         string `xml:"TaxTotalAmount"`
				GrandTotal       string `xml:"GrandTotalAmount"`
				DuePayableAmount string `xml:"DuePayableAmount"`
				AllowanceTotal   string `xml:"AllowanceTotalAmount"`
				ChargeTotal      string `xml:"ChargeTotalAmount"`
			} `xml:"SpecifiedTradeSettlementHeaderMonetarySummation"`
			PaymentTerms string `xml:"SpecifiedTradePaymentTerms>Description"`
			DueDate      string `xml:"SpecifiedTradePaymentTerms>DueDateDateTime>DateTimeString"`
		} `xml:"ApplicableHeaderTradeSettlement"`
		Lines []struct {
			ID        string `xml:"AssociatedDocumentLineDocument>LineID"`
			Name      string `xml:"SpecifiedTradeProduct>Name"`
			UnitPrice string `xml:"SpecifiedLineTradeAgreement>NetPriceProductTradePrice>ChargeAmount"`
			Quantity  string `xml:"SpecifiedLineTradeDelivery>BilledQuantity"`
			NetAmount string `xml:"SpecifiedLineTradeSettlement>SpecifiedTradeSettlementLineMonetarySummation>LineTotalAmount"`
			TaxRate   string `xml:"SpecifiedLineTradeSettlement>ApplicableTradeTax>RateApplicablePercent"`
			TaxCat    string `xml:"SpecifiedLineTradeSettlement>ApplicableTradeTax>CategoryCode"`
		} `xml:"IncludedSupplyChainTradeLineItem"`
	} `xml:"SupplyChainTradeTransaction"`
}

func parseCII(raw []byte, hint invoice.Format) (*invoice.Canonical, error) {
	var doc ciiDoc
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed CII document: %w", err)
	}
	if doc.Document.ID == "" {
		return nil, fmt.Errorf("CII document missing ID")
	}

	settlement := doc.Transaction.Settlement
	inv := &invoice.Canonical{
		Format:         ciiFormat(doc.Context.GuidelineID, hint),
		Number:         doc.Document.ID,
		IssueDate:      ciiDate(doc.Document.IssueDate),
		DueDate:        ciiDate(settlement.DueDate),
		Currency:       settlement.Currency,
		BuyerReference: doc.Transaction.Agreement.BuyerReference,
		Seller:         ciiParty(doc.Transaction.Agreement.Seller),
		Buyer:          ciiParty(doc.Transaction.Agreement.Buyer),
		PaymentTerms:   strings.TrimSpace(settlement.PaymentTerms),
		Totals: invoice.Totals{
			LineExtensionAmount: strings.TrimSpace(settlement.Totals.LineTotal),
			TaxExclusiveAmount:  strings.TrimSpace(settlement.Totals.TaxBasisTotal),
			TaxInclusiveAmount:  strings.TrimSpace(settlement.Totals.GrandTotal),
			TaxAmount:           strings.TrimSpace(settlement.Totals.TaxTotal),
			AllowanceTotal:      strings.TrimSpace(settlement.Totals.AllowanceTotal),
			ChargeTotal:         strings.TrimSpace(settlement.Totals.ChargeTotal),
			PayableAmount:       strings.TrimSpace(settlement.Totals.DuePayableAmount),
		},
	}

	for _, t := range settlement.Taxes {
		inv.TaxBreakdown = append(inv.TaxBreakdown, invoice.TaxBreakdownEntry{
			Category:      t.CategoryCode,
			Rate:          strings.TrimSpace(t.RatePercent),
			TaxableAmount: strings.TrimSpace(t.BasisAmount),
			TaxAmount:     strings.TrimSpace(t.CalculatedAmount),
		})
	}
	for _, l := range doc.Transaction.Lines {
		inv.Lines = append(inv.Lines, invoice.Line{
			ID:          l.ID,
			Description: l.Name,
			Quantity:    strings.TrimSpace(l.Quantity),
			UnitPrice:   strings.TrimSpace(l.UnitPrice),
			NetAmount:   strings.TrimSpace(l.NetAmount),
			TaxCategory: l.TaxCat,
			TaxRate:     strings.TrimSpace(l.TaxRate),
		})
	}
	return inv, nil
}

type ciiPartyEl struct {
	Name        string `xml:"Name"`
	VATID       string `xml:"SpecifiedTaxRegistration>ID"`
	EndpointID  string `xml:"URIUniversalCommunication>URIID"`
	Street      string `xml:"PostalTradeAddress>LineOne"`
	City        string `xml:"PostalTradeAddress>CityName"`
	PostalCode  string `xml:"PostalTradeAddress>PostcodeCode"`
	CountryCode string `xml:"PostalTradeAddress>CountryID"`
}

func ciiParty(p ciiPartyEl) invoice.Party {
	party := invoice.Party{
		Name:              p.Name,
		VATID:             strings.TrimSpace(p.VATID),
		ElectronicAddress: strings.TrimSpace(p.EndpointID),
	}
	if p.CountryCode != "" || p.City != "" || p.Street != "" {
		party.Address = &invoice.Address{
			Street:      p.Street,
			City:        p.City,
			PostalCode:  p.PostalCode,
			CountryCode: p.CountryCode,
		}
	}
	return party
}

func ciiFormat(guidelineID string, hint invoice.Format) invoice.Format {
	g := strings.ToLower(guidelineID)
	switch {
	case strings.Contains(g, "xrechnung"):
		return invoice.FormatXRechnungCII
	case strings.Contains(g, "factur-x"):
		return invoice.FormatFacturX
	case strings.Contains(g, "zugferd"):
		return invoice.FormatZUGFeRD
	case hint != "" && hint != invoice.FormatUnknown:
		return hint
	default:
		return invoice.FormatXRechnungCII
	}
}

// ciiDate converts the CII "102" date format (YYYYMMDD) to ISO.
func ciiDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) == 8 && !strings.Contains(s, "-") {
		return s[:4] + "-" + s[4:6] + "-" + s[6:]
	}
	return s
}

package filters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// testView is a minimal ContextView for exercising filters directly.
type testView struct {
	runID   string
	store   tempstore.Store
	rawKey  string
	raw     invoice.Raw
	parsed  *invoice.Canonical
	configs map[string]map[string]any
}

func newTestView(t *testing.T, rawContent []byte, ct invoice.ContentType) *testView {
	t.Helper()
	store, err := tempstore.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v := &testView{
		runID:  "run-test",
		store:  store,
		rawKey: tempstore.Key(tempstore.CategoryRawInvoice, "run-test"),
		raw:    invoice.Raw{ContentType: ct},
	}
	if rawContent != nil {
		require.NoError(t, store.Set(context.Background(), v.rawKey, rawContent,
			tempstore.SetOptions{TTL: time.Minute, Category: tempstore.CategoryRawInvoice}))
	}
	return v
}

func (v *testView) RunID() string                   { return v.runID }
func (v *testView) CorrelationID() string           { return "" }
func (v *testView) StartedAt() time.Time            { return time.Now() }
func (v *testView) RawInvoice() invoice.Raw         { return v.raw }
func (v *testView) RawInvoiceKey() string           { return v.rawKey }
func (v *testView) TempStore() tempstore.Store      { return v.store }
func (v *testView) TrackTempKey(string)             {}
func (v *testView) ParsedInvoice() *invoice.Canonical { return v.parsed }
func (v *testView) Diagnostics() []diag.Diagnostic  { return nil }
func (v *testView) CompletedSteps() []filter.Result { return nil }
func (v *testView) GetStepResult(string) (*filter.Result, bool) { return nil, false }
func (v *testView) HasExecuted(string) bool         { return false }
func (v *testView) Aborted() bool                   { return false }

func (v *testView) GetFilterConfig(id string) map[string]any {
	if v.configs == nil {
		return map[string]any{}
	}
	return v.configs[id]
}

// consistentInvoice passes every arithmetic rule.
func consistentInvoice() *invoice.Canonical {
	return &invoice.Canonical{
		Format:         invoice.FormatXRechnungUBL,
		Number:         "RE-2026-017",
		IssueDate:      "2026-01-15",
		Currency:       "EUR",
		BuyerReference: "04011000-1234",
		Seller:         invoice.Party{Name: "Acme GmbH", VATID: "DE123456789", ElectronicAddress: "9930:de123456789"},
		Buyer:          invoice.Party{Name: "Widget AG", VATID: "DE987654321"},
		Lines: []invoice.Line{
			{ID: "1", Quantity: "2", UnitPrice: "30.00", NetAmount: "60.00", TaxRate: "19"},
			{ID: "2", Quantity: "1", UnitPrice: "40.00", NetAmount: "40.00", TaxRate: "19"},
		},
		Totals: invoice.Totals{
			LineExtensionAmount: "100.00",
			TaxExclusiveAmount:  "100.00",
			TaxInclusiveAmount:  "119.00",
			TaxAmount:           "19.00",
			PayableAmount:       "119.00",
		},
		TaxBreakdown: []invoice.TaxBreakdownEntry{
			{Category: "S", Rate: "19", TaxableAmount: "100.00", TaxAmount: "19.00"},
		},
	}
}

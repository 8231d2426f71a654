package filters

import (
	"context"

	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/report"
)

// FingerprintID is the id of the fingerprint marker step. It runs under
// always_run so even aborted runs carry the masked summary the report
// assembler fingerprints.
const (
	FingerprintID      = "fingerprint"
	fingerprintVersion = "1.0.0"
)

// MetaInvoiceSummary is the result metadata key carrying the masked summary.
const MetaInvoiceSummary = "invoiceSummary"

// NewFingerprintMarker builds the marker filter.
func NewFingerprintMarker() filter.Filter {
	return &filter.Func{
		FilterID:          FingerprintID,
		FilterName:        "Fingerprint Marker",
		FilterVersion:     fingerprintVersion,
		FilterDescription: "Captures the masked invoice summary for the compliance fingerprint.",
		FilterTags:        []string{"report"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			result := filter.NewResult(FingerprintID)
			result.Metadata = map[string]any{
				MetaInvoiceSummary: report.Summarize(view.ParsedInvoice()),
			}
			return result, nil
		},
	}
}

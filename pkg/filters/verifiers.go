package filters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/retry"
)

// Live external verifier ids. The default plan runs them in one parallel
// best_effort group.
const (
	ViesID           = "vies"
	ECBRatesID       = "ecb-rates"
	PeppolID         = "peppol"
	verifiersVersion = "1.1.0"
)

// VerifierConfig configures one external verifier client.
type VerifierConfig struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (c VerifierConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// doJSON performs a request and decodes a JSON body. Transport failures and
// non-2xx statuses come back as retry-classifiable errors.
func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &retry.CodedError{Code: "NETWORK_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &retry.CodedError{Code: "NETWORK_ERROR", Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &retry.HTTPError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("malformed response body: %w", err)
	}
	return nil
}

// NewVIESFilter verifies party VAT ids against the EU VIES service.
func NewVIESFilter(cfg VerifierConfig) filter.Filter {
	client := cfg.client()
	return &filter.Func{
		FilterID:          ViesID,
		FilterName:        "VIES VAT Verification",
		FilterVersion:     verifiersVersion,
		FilterDescription: "Confirms seller and buyer VAT registration via VIES.",
		FilterTags:        []string{"external", "vat"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			inv := view.ParsedInvoice()
			if inv == nil {
				return filter.SkippedResult(ViesID, "no parsed invoice"), nil
			}

			result := filter.NewResult(ViesID)
			checked := 0
			for _, party := range []struct {
				role  string
				vatID string
			}{
				{"seller", inv.Seller.VATID},
				{"buyer", inv.Buyer.VATID},
			} {
				if party.vatID == "" {
					continue
				}
				checked++
				valid, err := viesCheck(ctx, client, cfg.BaseURL, party.vatID)
				if err != nil {
					return nil, err
				}
				if !valid {
					result.Diagnostics = append(result.Diagnostics,
						diag.New("VIES-01", diag.SeverityError, diag.CategoryExternal, ViesID,
							fmt.Sprintf("%s VAT id is not registered", party.role)).
							WithLocation(party.role+".vatId"))
				}
			}
			if checked == 0 {
				return filter.SkippedResult(ViesID, "no VAT ids present"), nil
			}
			result.Metadata = map[string]any{"checkedParties": checked}
			return result, nil
		},
	}
}

type viesResponse struct {
	Valid bool   `json:"valid"`
	Name  string `json:"name"`
}

func viesCheck(ctx context.Context, client *http.Client, baseURL, vatID string) (bool, error) {
	vatID = strings.ToUpper(strings.ReplaceAll(vatID, " ", ""))
	if len(vatID) < 4 {
		return false, nil
	}
	payload, _ := json.Marshal(map[string]string{
		"countryCode": vatID[:2],
		"vatNumber":   vatID[2:],
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/check-vat-number", bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp viesResponse
	if err := doJSON(client, req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

type ecbRates struct {
	Rates map[string]float64 `json:"rates"`
}

// NewECBRatesFilter confirms the invoice currency is EUR or convertible via
// the current ECB reference rates.
func NewECBRatesFilter(cfg VerifierConfig) filter.Filter {
	client := cfg.client()
	return &filter.Func{
		FilterID:          ECBRatesID,
		FilterName:        "ECB Reference Rates",
		FilterVersion:     verifiersVersion,
		FilterDescription: "Checks the invoice currency against the ECB daily reference rates.",
		FilterTags:        []string{"external", "currency"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			inv := view.ParsedInvoice()
			if inv == nil {
				return filter.SkippedResult(ECBRatesID, "no parsed invoice"), nil
			}
			currency := strings.ToUpper(inv.Currency)
			if currency == "" || currency == "EUR" {
				result := filter.NewResult(ECBRatesID)
				result.Metadata = map[string]any{"currency": "EUR"}
				return result, nil
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"/rates/daily", nil)
			if err != nil {
				return nil, err
			}
			var rates ecbRates
			if err := doJSON(client, req, &rates); err != nil {
				return nil, err
			}

			result := filter.NewResult(ECBRatesID)
			rate, ok := rates.Rates[currency]
			if !ok {
				result.Diagnostics = append(result.Diagnostics,
					diag.New("ECB-01", diag.SeverityWarning, diag.CategoryExternal, ECBRatesID,
						fmt.Sprintf("currency %s has no ECB reference rate", currency)).
						WithLocation("currency"))
				return result, nil
			}
			result.Metadata = map[string]any{"currency": currency, "eurRate": rate}
			return result, nil
		},
	}
}

type peppolSearch struct {
	TotalCount int `json:"total-result-count"`
}

// NewPeppolFilter looks the seller up in the Peppol directory by its
// electronic address.
func NewPeppolFilter(cfg VerifierConfig) filter.Filter {
	client := cfg.client()
	return &filter.Func{
		FilterID:          PeppolID,
		FilterName:        "Peppol Directory",
		FilterVersion:     verifiersVersion,
		FilterDescription: "Checks the seller participant in the Peppol directory.",
		FilterTags:        []string{"external", "peppol"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			inv := view.ParsedInvoice()
			if inv == nil {
				return filter.SkippedResult(PeppolID, "no parsed invoice"), nil
			}
			participant := inv.Seller.ElectronicAddress
			if participant == "" {
				return filter.SkippedResult(PeppolID, "seller has no electronic address"), nil
			}

			endpoint := fmt.Sprintf("%s/search/1.0/json?participant=%s", cfg.BaseURL, url.QueryEscape(participant))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			var search peppolSearch
			if err := doJSON(client, req, &search); err != nil {
				return nil, err
			}

			result := filter.NewResult(PeppolID)
			if search.TotalCount == 0 {
				result.Diagnostics = append(result.Diagnostics,
					diag.New("PEPPOL-01", diag.SeverityWarning, diag.CategoryExternal, PeppolID,
						"seller is not listed in the Peppol directory").
						WithLocation("seller.electronicAddress"))
			}
			result.Metadata = map[string]any{"participantFound": search.TotalCount > 0}
			return result, nil
		},
	}
}

package filters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/retry"
)

func viewWithInvoice(t *testing.T) *testView {
	view := newTestView(t, nil, invoice.ContentTypeXML)
	view.parsed = consistentInvoice()
	return view
}

func TestVIES_ValidParties(t *testing.T) {
	var requests []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/check-vat-number", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)
		json.NewEncoder(w).Encode(viesResponse{Valid: true, Name: "registered"})
	}))
	defer srv.Close()

	res, err := NewVIESFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), viewWithInvoice(t), nil)
	require.NoError(t, err)
	assert.Equal(t, filter.ExecutionRan, res.Execution)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, 2, res.Metadata["checkedParties"])

	require.Len(t, requests, 2)
	assert.Equal(t, "DE", requests[0]["countryCode"])
	assert.Equal(t, "123456789", requests[0]["vatNumber"])
}

func TestVIES_InvalidVATID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(viesResponse{Valid: false})
	}))
	defer srv.Close()

	res, err := NewVIESFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), viewWithInvoice(t), nil)
	require.NoError(t, err)
	assert.True(t, diag.HasErrors(res.Diagnostics))
	assert.Len(t, res.Diagnostics, 2)
	assert.Equal(t, "seller.vatId", res.Diagnostics[0].Location)
}

func TestVIES_ServiceOutageIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewVIESFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), viewWithInvoice(t), nil)
	require.Error(t, err)

	var httpErr *retry.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.True(t, retry.Config{}.Retryable(err))
}

func TestVIES_SkipsWithoutVATIDs(t *testing.T) {
	view := viewWithInvoice(t)
	view.parsed.Seller.VATID = ""
	view.parsed.Buyer.VATID = ""

	res, err := NewVIESFilter(VerifierConfig{BaseURL: "http://unused"}).
		Execute(context.Background(), view, nil)
	require.NoError(t, err)
	assert.Equal(t, filter.ExecutionSkipped, res.Execution)
}

func TestECBRates_EURShortCircuits(t *testing.T) {
	res, err := NewECBRatesFilter(VerifierConfig{BaseURL: "http://unused"}).
		Execute(context.Background(), viewWithInvoice(t), nil)
	require.NoError(t, err)
	assert.Equal(t, filter.ExecutionRan, res.Execution)
	assert.Empty(t, res.Diagnostics)
}

func TestECBRates_KnownCurrency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rates/daily", r.URL.Path)
		json.NewEncoder(w).Encode(ecbRates{Rates: map[string]float64{"USD": 1.08, "GBP": 0.85}})
	}))
	defer srv.Close()

	view := viewWithInvoice(t)
	view.parsed.Currency = "USD"

	res, err := NewECBRatesFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), view, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, 1.08, res.Metadata["eurRate"])
}

func TestECBRates_UnknownCurrencyWarns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ecbRates{Rates: map[string]float64{"USD": 1.08}})
	}))
	defer srv.Close()

	view := viewWithInvoice(t)
	view.parsed.Currency = "XTS"

	res, err := NewECBRatesFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), view, nil)
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.SeverityWarning, res.Diagnostics[0].Severity)
	assert.Equal(t, "ECB-01", res.Diagnostics[0].Code)
}

func TestPeppol_ParticipantFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search/1.0/json", r.URL.Path)
		require.Equal(t, "9930:de123456789", r.URL.Query().Get("participant"))
		json.NewEncoder(w).Encode(map[string]int{"total-result-count": 1})
	}))
	defer srv.Close()

	res, err := NewPeppolFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), viewWithInvoice(t), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Diagnostics)
	assert.Equal(t, true, res.Metadata["participantFound"])
}

func TestPeppol_ParticipantMissingWarns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"total-result-count": 0})
	}))
	defer srv.Close()

	res, err := NewPeppolFilter(VerifierConfig{BaseURL: srv.URL}).
		Execute(context.Background(), viewWithInvoice(t), nil)
	require.NoError(t, err)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.SeverityWarning, res.Diagnostics[0].Severity)
}

func TestPeppol_SkipsWithoutElectronicAddress(t *testing.T) {
	view := viewWithInvoice(t)
	view.parsed.Seller.ElectronicAddress = ""

	res, err := NewPeppolFilter(VerifierConfig{BaseURL: "http://unused"}).
		Execute(context.Background(), view, nil)
	require.NoError(t, err)
	assert.Equal(t, filter.ExecutionSkipped, res.Execution)
}

func TestRegisterDefaults(t *testing.T) {
	reg := filter.NewRegistry()
	defer reg.Close()

	err := RegisterDefaults(reg, Defaults{
		Kosit:  &KositConfig{BaseURL: "http://localhost:8080"},
		VIES:   &VerifierConfig{BaseURL: "http://localhost:8081"},
		ECB:    &VerifierConfig{BaseURL: "http://localhost:8082"},
		Peppol: &VerifierConfig{BaseURL: "http://localhost:8083"},
	})
	require.NoError(t, err)

	for _, id := range []string{ParserID, AmountValidationID, SemanticRiskID, FingerprintID, KositID, ViesID, ECBRatesID, PeppolID, "policy-gate"} {
		assert.True(t, reg.Has(id), id)
	}
}

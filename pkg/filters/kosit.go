package filters

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/retry"
)

// KositID is the id of the KoSIT validator step.
const (
	KositID      = "kosit"
	kositVersion = "1.5.0"
)

// Metadata reason code for the profile-unsupported skip.
const KositReasonProfileUnsupported = "KOSIT_PROFILE_UNSUPPORTED"

// healthInterval caps liveness probes against the daemon.
const healthInterval = 30 * time.Second

// defaultScenarioPatterns mark a 422 body as "no scenario for this profile"
// rather than a daemon fault.
var defaultScenarioPatterns = []string{
	"no matching scenario",
	"scenario not found",
	"kein passendes szenario",
	"keine passende szenario",
	"not a known document type",
}

// KositConfig configures the validator client.
type KositConfig struct {
	// BaseURL of the daemon, e.g. "http://localhost:8080".
	BaseURL string
	// Accept negotiates the report encoding; defaults to application/xml.
	Accept string
	// ScenarioPatterns overrides the 422 substring list.
	ScenarioPatterns []string
	// CLICommand enables the fallback, e.g. {"java", "-jar", "validator.jar", "-s", "scenarios.xml"}.
	// The invoice file path is appended as the last argument.
	CLICommand []string
	// CLIWorkDir is the parent for per-run scratch dirs; defaults to the
	// system temp dir. Deployments point this at an isolated mount.
	CLIWorkDir string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// KositValidator validates invoices against the KoSIT daemon with a CLI
// fallback. Safe for concurrent use.
type KositValidator struct {
	cfg      KositConfig
	client   *http.Client
	logger   *slog.Logger
	patterns []string

	mu      sync.Mutex
	probe   *rate.Limiter
	healthy bool
	probed  bool
}

// NewKositValidator builds the validator client.
func NewKositValidator(cfg KositConfig) *KositValidator {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	patterns := cfg.ScenarioPatterns
	if len(patterns) == 0 {
		patterns = defaultScenarioPatterns
	}
	return &KositValidator{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		patterns: patterns,
		probe:    rate.NewLimiter(rate.Every(healthInterval), 1),
		healthy:  true,
	}
}

// NewKositFilter wraps the validator as a pipeline step.
func NewKositFilter(cfg KositConfig) filter.Filter {
	v := NewKositValidator(cfg)
	return &filter.Func{
		FilterID:          KositID,
		FilterName:        "KoSIT Validator",
		FilterVersion:     kositVersion,
		FilterDescription: "Runs XRechnung schema and schematron validation via the KoSIT validator.",
		FilterTags:        []string{"schema", "schematron", "external"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			raw, err := view.TempStore().Get(ctx, view.RawInvoiceKey())
			if err != nil {
				return nil, fmt.Errorf("raw invoice unavailable: %w", err)
			}
			return v.Validate(ctx, raw)
		},
	}
}

// Validate runs the daemon when it looks healthy, falling back to the CLI
// when one is configured.
func (v *KositValidator) Validate(ctx context.Context, invoiceXML []byte) (*filter.Result, error) {
	if v.cfg.BaseURL != "" && v.daemonHealthy(ctx) {
		return v.validateHTTP(ctx, invoiceXML)
	}
	if len(v.cfg.CLICommand) > 0 {
		return v.validateCLI(ctx, invoiceXML)
	}
	if v.cfg.BaseURL != "" {
		// Unhealthy daemon and no fallback: try anyway, the retry harness
		// handles transient failures.
		return v.validateHTTP(ctx, invoiceXML)
	}
	return nil, &retry.CodedError{Code: "SERVICE_UNAVAILABLE", Message: "kosit validator not configured"}
}

// daemonHealthy probes GET /health at most once per interval and serves the
// cached verdict in between.
func (v *KositValidator) daemonHealthy(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.probe.Allow() && v.probed {
		return v.healthy
	}
	v.probed = true

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.BaseURL+"/health", nil)
	if err != nil {
		v.healthy = false
		return false
	}
	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("kosit health probe failed", slog.String("error", err.Error()))
		v.healthy = false
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	v.healthy = resp.StatusCode == http.StatusOK
	return v.healthy
}

func (v *KositValidator) validateHTTP(ctx context.Context, invoiceXML []byte) (*filter.Result, error) {
	accept := v.cfg.Accept
	if accept == "" {
		accept = "application/xml"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.BaseURL+"/validate", bytes.NewReader(invoiceXML))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Accept", accept)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &retry.CodedError{Code: "NETWORK_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &retry.CodedError{Code: "NETWORK_ERROR", Message: err.Error()}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		result := filter.NewResult(KositID)
		result.Diagnostics = reportDiagnostics(body, diag.SeverityWarning)
		return result, nil

	case http.StatusNotAcceptable:
		result := filter.NewResult(KositID)
		result.Diagnostics = reportDiagnostics(body, diag.SeverityError)
		if len(result.Diagnostics) == 0 {
			result.Diagnostics = append(result.Diagnostics,
				diag.New("KOSIT-REJECT", diag.SeverityError, diag.CategorySchema, KositID,
					"validator rejected the document without a parsable report"))
		}
		result.Metadata = map[string]any{"schematronError": true}
		return result, nil

	case http.StatusUnprocessableEntity:
		if matchesScenarioPattern(body, v.patterns) {
			result := filter.SkippedResult(KositID, "profile not supported by validator scenarios")
			result.Metadata = map[string]any{
				filter.MetaProfileUnsupported: true,
				"reasonCode":                  KositReasonProfileUnsupported,
			}
			return result, nil
		}
		result := &filter.Result{
			FilterID:  KositID,
			Execution: filter.ExecutionErrored,
			Error:     &filter.StepError{Name: "KOSIT_SYSTEM_ERROR", Message: "validator could not process the document"},
			Metadata:  map[string]any{"systemError": true},
		}
		return result, nil

	default:
		return nil, &retry.HTTPError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
}

// validateCLI shells out to the standalone validator. The invoice is written
// to a private scratch dir that is removed on every exit path.
func (v *KositValidator) validateCLI(ctx context.Context, invoiceXML []byte) (_ *filter.Result, err error) {
	dir, err := os.MkdirTemp(v.cfg.CLIWorkDir, "kosit-run-")
	if err != nil {
		return nil, fmt.Errorf("kosit cli scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			v.logger.Error("kosit cli scratch dir not removed", slog.String("error", rmErr.Error()))
		}
	}()

	file := filepath.Join(dir, "invoice.xml")
	if err := os.WriteFile(file, invoiceXML, 0o600); err != nil {
		return nil, fmt.Errorf("kosit cli input write: %w", err)
	}

	args := append(append([]string{}, v.cfg.CLICommand[1:]...), file)
	cmd := exec.CommandContext(ctx, v.cfg.CLICommand[0], args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := filter.NewResult(KositID)
	switch {
	case runErr == nil:
		result.Diagnostics = reportDiagnostics(stdout.Bytes(), diag.SeverityWarning)
		return result, nil
	case isExitCode(runErr, 1):
		result.Diagnostics = reportDiagnostics(stdout.Bytes(), diag.SeverityError)
		if len(result.Diagnostics) == 0 {
			result.Diagnostics = append(result.Diagnostics,
				diag.New("KOSIT-REJECT", diag.SeverityError, diag.CategorySchema, KositID,
					"validator rejected the document"))
		}
		result.Metadata = map[string]any{"schematronError": true}
		return result, nil
	default:
		return nil, &retry.CodedError{Code: "EXECUTION_ERROR",
			Message: fmt.Sprintf("kosit cli failed: %v: %s", runErr, truncate(stderr.String(), 512))}
	}
}

func isExitCode(err error, code int) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == code
}

func matchesScenarioPattern(body []byte, patterns []string) bool {
	lower := strings.ToLower(string(body))
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// kositMessage is one finding in a validator report, XML or JSON encoded.
type kositMessage struct {
	Code     string `json:"code" xml:"code,attr"`
	Level    string `json:"level" xml:"level,attr"`
	Location string `json:"xpath" xml:"xpath,attr"`
	Text     string `json:"text" xml:",chardata"`
}

type kositJSONReport struct {
	Messages []kositMessage `json:"messages"`
}

// reportDiagnostics extracts findings from a validator report. The fallback
// severity applies to messages without a usable level.
func reportDiagnostics(body []byte, fallback diag.Severity) []diag.Diagnostic {
	msgs := parseKositReport(body)
	var diags []diag.Diagnostic
	for _, m := range msgs {
		sev := fallback
		switch strings.ToLower(m.Level) {
		case "error", "fatal":
			sev = diag.SeverityError
		case "warning", "warn":
			sev = diag.SeverityWarning
		case "information", "info":
			sev = diag.SeverityInfo
		}
		code := m.Code
		if code == "" {
			code = "KOSIT-MSG"
		}
		d := diag.New(code, sev, diag.CategorySchema, KositID, strings.TrimSpace(m.Text))
		if m.Location != "" {
			d = d.WithLocation(m.Location)
		}
		diags = append(diags, d)
	}
	return diags
}

func parseKositReport(body []byte) []kositMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' {
		var rep kositJSONReport
		if err := json.Unmarshal(trimmed, &rep); err == nil {
			return rep.Messages
		}
		return nil
	}

	// XML reports: collect every <message> element regardless of nesting.
	var msgs []kositMessage
	dec := xml.NewDecoder(bytes.NewReader(trimmed))
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "message" {
			continue
		}
		var m kositMessage
		if err := dec.DecodeElement(&m, &start); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

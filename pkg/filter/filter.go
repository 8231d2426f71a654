// Package filter defines the pluggable validation step contract: the Filter
// interface, the step result model, and the process-wide registry that the
// pipeline resolves steps from.
package filter

import (
	"context"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// Execution describes the lifecycle fact of a step, independent of the
// validation verdict. Verdicts are derived from diagnostics by the decision
// layer.
type Execution string

const (
	ExecutionRan     Execution = "ran"
	ExecutionSkipped Execution = "skipped"
	ExecutionErrored Execution = "errored"
)

// Well-known skip reasons.
const (
	SkipReasonPipelineAborted = "pipeline_aborted"
	SkipReasonCondition       = "condition_not_met"
	SkipReasonDisabled        = "disabled"
)

// Well-known result metadata keys the orchestrator reacts to.
const (
	// MetaParsedInvoice carries the *invoice.Canonical produced by a parser
	// step; the orchestrator attaches it to the run context.
	MetaParsedInvoice = "parsedInvoice"
	// MetaProfileUnsupported marks a skipped result caused by a validator
	// that has no scenario for the submitted profile.
	MetaProfileUnsupported = "profileUnsupported"
	// MetaRiskScore carries the numeric risk score emitted by scoring steps.
	MetaRiskScore = "riskScore"
	// MetaRiskNotes carries human-readable risk findings ([]string) that the
	// report copies into the fingerprint.
	MetaRiskNotes = "riskNotes"
)

// StepError captures an execution error (timeout, panic, missing filter)
// carried on an errored result.
type StepError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return e.Name + ": " + e.Message
}

// Result is the outcome of one step invocation.
type Result struct {
	FilterID      string            `json:"filterId"`
	FilterVersion string            `json:"filterVersion,omitempty"`
	Execution     Execution         `json:"execution"`
	Diagnostics   []diag.Diagnostic `json:"diagnostics,omitempty"`
	DurationMs    int64             `json:"durationMs"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   time.Time         `json:"completedAt"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Error         *StepError        `json:"error,omitempty"`
	SkipReason    string            `json:"skipReason,omitempty"`
}

// Meta reads a metadata value, tolerating a nil map.
func (r *Result) Meta(key string) (any, bool) {
	if r == nil || r.Metadata == nil {
		return nil, false
	}
	v, ok := r.Metadata[key]
	return v, ok
}

// MetaBool reads a boolean metadata flag.
func (r *Result) MetaBool(key string) bool {
	v, ok := r.Meta(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ContextView is the read-only view of the run state passed to filters.
// Filters must not retain the view across invocations.
type ContextView interface {
	RunID() string
	CorrelationID() string
	StartedAt() time.Time

	// RawInvoice returns the content-type/format hints; the bytes themselves
	// live only in the temp store under RawInvoiceKey.
	RawInvoice() invoice.Raw
	RawInvoiceKey() string
	TempStore() tempstore.Store
	// TrackTempKey registers an additional key for guaranteed cleanup at run
	// end. The only context mutation filters are allowed.
	TrackTempKey(key string)

	ParsedInvoice() *invoice.Canonical
	Diagnostics() []diag.Diagnostic
	CompletedSteps() []Result
	GetStepResult(filterID string) (*Result, bool)
	HasExecuted(filterID string) bool
	GetFilterConfig(filterID string) map[string]any
	Aborted() bool
}

// Filter is a pluggable validation step. Implementations are immutable value
// objects; Execute must be a pure function of the view and config and must
// be safe to call from concurrent runs.
type Filter interface {
	// ID is the stable hyphenated identifier used in plans, diagnostics and
	// audit. Never a display name.
	ID() string
	Name() string
	Version() string
	Execute(ctx context.Context, view ContextView, config map[string]any) (*Result, error)
}

// Describer is an optional extension carrying display metadata.
type Describer interface {
	Description() string
	Tags() []string
}

// Initializer is called once at registration.
type Initializer interface {
	OnInit() error
}

// Destroyer is called once at registry shutdown.
type Destroyer interface {
	OnDestroy() error
}

// ExecuteFunc adapts a closure to the step body.
type ExecuteFunc func(ctx context.Context, view ContextView, config map[string]any) (*Result, error)

// Func is a closure-backed Filter, the idiomatic way to define steps without
// a type hierarchy.
type Func struct {
	FilterID          string
	FilterName        string
	FilterVersion     string
	FilterDescription string
	FilterTags        []string
	Fn                ExecuteFunc
}

func (f *Func) ID() string          { return f.FilterID }
func (f *Func) Name() string        { return f.FilterName }
func (f *Func) Version() string     { return f.FilterVersion }
func (f *Func) Description() string { return f.FilterDescription }
func (f *Func) Tags() []string      { return f.FilterTags }

func (f *Func) Execute(ctx context.Context, view ContextView, config map[string]any) (*Result, error) {
	return f.Fn(ctx, view, config)
}

// NewResult starts a ran result for the given filter. Timing fields are
// stamped by the orchestrator harness.
func NewResult(filterID string) *Result {
	return &Result{FilterID: filterID, Execution: ExecutionRan}
}

// SkippedResult builds a skipped result with a reason.
func SkippedResult(filterID, reason string) *Result {
	return &Result{FilterID: filterID, Execution: ExecutionSkipped, SkipReason: reason}
}

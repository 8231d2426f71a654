package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow/pkg/cleanup"
	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/plan"
	"github.com/veriflow-labs/veriflow/pkg/retry"
	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// ErrAlreadyExecuting is returned when Execute is called while another run
// is in flight on the same orchestrator. Callers wanting parallel runs
// create independent orchestrators sharing the registry.
var ErrAlreadyExecuting = errors.New("pipeline: run already executing")

// cleanupTimeout bounds the post-run secure delete; cleanup must finish even
// when the run context is long dead.
const cleanupTimeout = 5 * time.Second

// RunResult is the complete outcome of one validation run.
type RunResult struct {
	RunID             string                     `json:"runId"`
	CorrelationID     string                     `json:"correlationId"`
	PlanID            string                     `json:"planId"`
	Results           []filter.Result            `json:"results"`
	Diagnostics       []diag.Diagnostic          `json:"diagnostics"`
	Aborted           bool                       `json:"aborted"`
	AbortReason       string                     `json:"abortReason,omitempty"`
	RetentionWarnings []cleanup.RetentionWarning `json:"retentionWarnings,omitempty"`
	Snapshot          *plan.Snapshot             `json:"snapshot"`
	StartedAt         time.Time                  `json:"startedAt"`
	CompletedAt       time.Time                  `json:"completedAt"`
	DurationMs        int64                      `json:"durationMs"`

	// Parsed is handed to the report assembler for the masked summary; it is
	// never serialized with the run result.
	Parsed *invoice.Canonical `json:"-"`
}

// Options tune a single run.
type Options struct {
	// RunID overrides the generated id (used by job workers resuming a
	// persisted job). Empty means a fresh UUID.
	RunID         string
	CorrelationID string
	// Timeout bounds the whole run. Zero means no overall bound; per-step
	// timeouts still apply.
	Timeout time.Duration
	// RawTTL overrides the raw invoice retention window.
	RawTTL time.Duration
	// ConfigSnapshotHash pins the effective tenant configuration into the
	// audit snapshot.
	ConfigSnapshotHash string
}

// Orchestrator executes plans against registered filters.
type Orchestrator struct {
	registry   *filter.Registry
	store      tempstore.Store
	enforcer   *cleanup.Enforcer
	conditions *plan.ConditionEvaluator
	hooks      []Hook
	logger     *slog.Logger
	executing  atomic.Bool
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithHook attaches a lifecycle hook.
func WithHook(h Hook) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, h) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. The cleanup enforcer guarantees temp data
// removal at the end of every run.
func New(registry *filter.Registry, store tempstore.Store, enforcer *cleanup.Enforcer, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("pipeline: nil registry")
	}
	if store == nil {
		return nil, errors.New("pipeline: nil temp store")
	}
	conditions, err := plan.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		registry:   registry,
		store:      store,
		enforcer:   enforcer,
		conditions: conditions,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Execute runs the plan against the raw invoice. The raw bytes are written
// to the temp store under a TTL and securely deleted at run end regardless
// of outcome; Execute never returns with temp data still tracked.
func (o *Orchestrator) Execute(ctx context.Context, p *plan.Plan, raw invoice.Raw, opts Options) (*RunResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	if !o.executing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyExecuting
	}
	defer o.executing.Store(false)

	rawKey, err := o.stageRawInvoice(ctx, runID, raw, opts.RawTTL)
	if err != nil {
		return nil, err
	}

	rc := newContext(runID, correlationID, raw, rawKey, o.store)
	o.prepareConfigs(p, rc)

	snapshot, err := o.captureSnapshot(p, opts.ConfigSnapshotHash)
	if err != nil {
		o.cleanupRun(ctx, rc)
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	o.emit(Event{Type: EventRunStarted, RunID: runID, CorrelationID: correlationID, PlanID: p.ID})

	// Cleanup is unconditional: it runs after normal completion, aborts and
	// step panics alike, on a context detached from the (possibly expired)
	// run context.
	var warnings []cleanup.RetentionWarning
	func() {
		defer func() {
			if r := recover(); r != nil {
				rc.abort(fmt.Sprintf("pipeline panic: %v", r))
				o.logger.Error("pipeline panic",
					slog.String("runId", runID),
					slog.String("stack", string(debug.Stack())))
			}
			warnings = o.cleanupRun(ctx, rc)
		}()
		o.runSteps(runCtx, rc, p.Steps, p.GlobalConfig.Normalized())
	}()

	completedAt := time.Now().UTC()
	view := rc.view()
	result := &RunResult{
		RunID:             runID,
		CorrelationID:     correlationID,
		PlanID:            p.ID,
		Results:           view.CompletedSteps(),
		Diagnostics:       view.Diagnostics(),
		Aborted:           rc.aborted,
		AbortReason:       rc.abortReason,
		RetentionWarnings: warnings,
		Snapshot:          snapshot,
		StartedAt:         rc.startedAt,
		CompletedAt:       completedAt,
		DurationMs:        completedAt.Sub(rc.startedAt).Milliseconds(),
		Parsed:            view.ParsedInvoice(),
	}

	o.emit(Event{Type: EventRunCompleted, RunID: runID, CorrelationID: correlationID, PlanID: p.ID})
	return result, nil
}

func (o *Orchestrator) stageRawInvoice(ctx context.Context, runID string, raw invoice.Raw, ttl time.Duration) (string, error) {
	if len(raw.Content) == 0 {
		return "", nil
	}
	if ttl <= 0 {
		ttl = tempstore.DefaultRawInvoiceTTL
	}
	key := tempstore.Key(tempstore.CategoryRawInvoice, runID)
	if err := o.store.Set(ctx, key, raw.Content, tempstore.SetOptions{TTL: ttl, Encrypt: true}); err != nil {
		return "", fmt.Errorf("pipeline: staging invoice failed: %w", err)
	}
	return key, nil
}

func (o *Orchestrator) prepareConfigs(p *plan.Plan, rc *Context) {
	p.WalkLeaves(func(s *plan.Step) {
		reg, err := o.registry.Get(s.FilterID)
		var defaults map[string]any
		if err == nil {
			defaults = reg.DefaultConfig
		}
		rc.setConfig(s.FilterID, filter.MergeConfig(defaults, s.Config))
	})
}

func (o *Orchestrator) captureSnapshot(p *plan.Plan, configSnapshotHash string) (*plan.Snapshot, error) {
	versions := map[string]string{}
	p.WalkLeaves(func(s *plan.Step) {
		if reg, err := o.registry.Get(s.FilterID); err == nil {
			versions[s.FilterID] = reg.Filter.Version()
		}
	})
	return plan.Capture(p, nil, versions, configSnapshotHash)
}

func (o *Orchestrator) cleanupRun(ctx context.Context, rc *Context) []cleanup.RetentionWarning {
	keys := rc.trackedKeySnapshot()
	if len(keys) == 0 || o.enforcer == nil {
		return nil
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	res := o.enforcer.Cleanup(cleanupCtx, keys, rc.correlationID)
	o.emit(Event{Type: EventCleanupDone, RunID: rc.runID, CorrelationID: rc.correlationID, Warnings: res.Warnings})
	return res.Warnings
}

// runSteps executes peers in order. A parallel group dispatches its children
// concurrently under the global parallelism bound.
func (o *Orchestrator) runSteps(ctx context.Context, rc *Context, steps []plan.Step, global plan.GlobalConfig) {
	for i := range steps {
		step := &steps[i]
		if !step.Enabled {
			// Disabled steps leave no trace in the run.
			continue
		}
		if step.IsGroup() {
			if o.shouldSkipGroup(ctx, rc, step) {
				o.skipSubtree(rc, step, filter.SkipReasonPipelineAborted)
				continue
			}
			if step.Parallel {
				o.runParallel(ctx, rc, step.Children, global)
			} else {
				o.runSteps(ctx, rc, step.Children, global)
			}
			continue
		}
		result := o.runStep(ctx, rc, step, global)
		o.finishStep(rc, step, result)
	}
}

func (o *Orchestrator) shouldSkipGroup(ctx context.Context, rc *Context, step *plan.Step) bool {
	if step.EffectivePolicy() == plan.AlwaysRun {
		return false
	}
	if rc.view().Aborted() || ctx.Err() != nil {
		return true
	}
	if step.Condition != "" {
		ok, err := o.conditions.Evaluate(step.Condition, rc.view())
		if err != nil {
			o.logger.Warn("group condition failed", slog.String("filterId", step.FilterID), slog.String("error", err.Error()))
			return true
		}
		return !ok
	}
	return false
}

func (o *Orchestrator) skipSubtree(rc *Context, step *plan.Step, reason string) {
	if !step.Enabled {
		return
	}
	if step.IsGroup() {
		for i := range step.Children {
			o.skipSubtree(rc, &step.Children[i], reason)
		}
		return
	}
	o.finishStep(rc, step, filter.SkippedResult(step.FilterID, reason))
}

func (o *Orchestrator) runParallel(ctx context.Context, rc *Context, children []plan.Step, global plan.GlobalConfig) {
	limit := global.MaxParallelism
	if limit <= 0 {
		limit = plan.DefaultMaxParallelism
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for i := range children {
		child := &children[i]
		if !child.Enabled {
			continue
		}
		if child.IsGroup() {
			// Nested groups inside a parallel batch run sequentially within
			// their slot.
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				o.runSteps(ctx, rc, child.Children, global)
			}()
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			result := o.runStep(ctx, rc, child, global)
			o.finishStep(rc, child, result)
		}()
	}
	wg.Wait()
}

// runStep evaluates skip conditions and executes one leaf with timeout,
// retries and panic containment.
func (o *Orchestrator) runStep(ctx context.Context, rc *Context, step *plan.Step, global plan.GlobalConfig) *filter.Result {
	policy := step.EffectivePolicy()

	if policy != plan.AlwaysRun && (rc.view().Aborted() || ctx.Err() != nil) {
		return filter.SkippedResult(step.FilterID, filter.SkipReasonPipelineAborted)
	}
	if step.Condition != "" {
		ok, err := o.conditions.Evaluate(step.Condition, rc.view())
		if err != nil {
			o.logger.Warn("condition evaluation failed",
				slog.String("filterId", step.FilterID), slog.String("error", err.Error()))
			return filter.SkippedResult(step.FilterID, filter.SkipReasonCondition)
		}
		if !ok {
			return filter.SkippedResult(step.FilterID, filter.SkipReasonCondition)
		}
	}

	reg, err := o.registry.Get(step.FilterID)
	if err != nil {
		return erroredResult(step.FilterID, "FILTER_NOT_FOUND", err.Error())
	}

	o.emit(Event{Type: EventStepStarted, RunID: rc.runID, CorrelationID: rc.correlationID, FilterID: step.FilterID})

	timeout := time.Duration(step.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(global.DefaultFilterTimeout) * time.Millisecond
	}

	// always_run steps must execute even after the run deadline fired; they
	// get a detached context bounded by their own timeout.
	execCtx := ctx
	if policy == plan.AlwaysRun {
		execCtx = context.WithoutCancel(ctx)
	}

	config := rc.view().GetFilterConfig(step.FilterID)
	startedAt := time.Now().UTC()

	var result *filter.Result
	attempt := func(attemptCtx context.Context) error {
		res, execErr := o.safeExecute(attemptCtx, reg.Filter, rc.view(), config)
		if execErr != nil {
			return execErr
		}
		result = res
		return nil
	}

	_, err = retry.Do(execCtx, step.Retry.Config(), timeout, attempt)
	completedAt := time.Now().UTC()

	if err != nil {
		result = erroredResult(step.FilterID, classifyStepError(err), err.Error())
		// A lenient step that could not complete still surfaces on the
		// report: the run continues, the gate sees the degradation.
		if policy == plan.SoftFail || policy == plan.BestEffort {
			result.Diagnostics = append(result.Diagnostics,
				diag.New("STEP-UNAVAILABLE", diag.SeverityWarning, diag.CategoryInternal, step.FilterID,
					"step did not complete after retries; its checks were not applied"))
		}
	}
	if result == nil {
		result = filter.NewResult(step.FilterID)
	}
	result.FilterID = step.FilterID
	result.FilterVersion = reg.Filter.Version()
	result.StartedAt = startedAt
	result.CompletedAt = completedAt
	result.DurationMs = completedAt.Sub(startedAt).Milliseconds()
	return result
}

// safeExecute contains filter panics, converting them into step errors.
func (o *Orchestrator) safeExecute(ctx context.Context, f filter.Filter, view filter.ContextView, config map[string]any) (result *filter.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("filter panic",
				slog.String("filterId", f.ID()),
				slog.String("stack", string(debug.Stack())))
			result = nil
			err = &retry.CodedError{Code: "PANIC", Message: fmt.Sprintf("filter %s panicked: %v", f.ID(), r)}
		}
	}()
	return f.Execute(ctx, view, config)
}

// finishStep applies the failure policy, absorbs the result and emits events.
func (o *Orchestrator) finishStep(rc *Context, step *plan.Step, result *filter.Result) {
	policy := step.EffectivePolicy()

	if policy == plan.BestEffort {
		// Findings from best-effort steps never bind the verdict.
		for i := range result.Diagnostics {
			result.Diagnostics[i] = result.Diagnostics[i].Demote(diag.SeverityWarning)
		}
	}

	rc.absorb(result)

	switch result.Execution {
	case filter.ExecutionSkipped:
		o.emit(Event{Type: EventStepSkipped, RunID: rc.runID, CorrelationID: rc.correlationID, FilterID: step.FilterID, Result: result})
		return
	case filter.ExecutionErrored:
		o.emit(Event{Type: EventStepErrored, RunID: rc.runID, CorrelationID: rc.correlationID, FilterID: step.FilterID, Result: result})
	default:
		o.emit(Event{Type: EventStepCompleted, RunID: rc.runID, CorrelationID: rc.correlationID, FilterID: step.FilterID, Result: result})
	}

	failed := result.Execution == filter.ExecutionErrored || diag.HasErrors(result.Diagnostics)
	if !failed {
		return
	}
	if policy == plan.FailFast && !step.ContinueOnFailure {
		reason := fmt.Sprintf("step %s failed", step.FilterID)
		rc.abort(reason)
		o.emit(Event{Type: EventRunAborted, RunID: rc.runID, CorrelationID: rc.correlationID, FilterID: step.FilterID, AbortReason: reason})
	}
}

func erroredResult(filterID, name, message string) *filter.Result {
	return &filter.Result{
		FilterID:  filterID,
		Execution: filter.ExecutionErrored,
		Error:     &filter.StepError{Name: name, Message: message},
	}
}

func classifyStepError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	default:
		var coded *retry.CodedError
		if errors.As(err, &coded) {
			return coded.Code
		}
		return "EXECUTION_ERROR"
	}
}

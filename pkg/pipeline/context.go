// Package pipeline implements the validation run orchestrator: plan-driven
// step execution with bounded parallelism, per-step timeouts and retries,
// sticky aborts and guaranteed temp-data cleanup at run end.
package pipeline

import (
	"sync"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
	"github.com/veriflow-labs/veriflow/pkg/invoice"
	"github.com/veriflow-labs/veriflow/pkg/tempstore"
)

// Context is the mutable run state owned by the orchestrator. Filters never
// see it directly; they get the read-only view.
type Context struct {
	runID         string
	correlationID string
	startedAt     time.Time

	raw    invoice.Raw
	rawKey string
	store  tempstore.Store

	mu          sync.RWMutex
	trackedKeys []string
	parsed      *invoice.Canonical
	results     map[string]*filter.Result
	order       []string
	diagnostics []diag.Diagnostic
	configs     map[string]map[string]any
	aborted     bool
	abortReason string
}

func newContext(runID, correlationID string, raw invoice.Raw, rawKey string, store tempstore.Store) *Context {
	ctx := &Context{
		runID:         runID,
		correlationID: correlationID,
		startedAt:     time.Now().UTC(),
		raw:           raw,
		rawKey:        rawKey,
		store:         store,
		results:       make(map[string]*filter.Result),
		configs:       make(map[string]map[string]any),
	}
	if rawKey != "" {
		ctx.trackedKeys = append(ctx.trackedKeys, rawKey)
	}
	return ctx
}

func (c *Context) absorb(result *filter.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.results[result.FilterID]; !seen {
		c.order = append(c.order, result.FilterID)
	}
	c.results[result.FilterID] = result
	c.diagnostics = append(c.diagnostics, result.Diagnostics...)

	// The parsed invoice moves to the run context; it must not linger in the
	// result metadata where it would serialize into persisted reports.
	if v, ok := result.Meta(filter.MetaParsedInvoice); ok {
		if parsed, ok := v.(*invoice.Canonical); ok {
			c.parsed = parsed
		}
		delete(result.Metadata, filter.MetaParsedInvoice)
	}
}

func (c *Context) abort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.aborted {
		c.aborted = true
		c.abortReason = reason
	}
}

func (c *Context) setConfig(filterID string, config map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[filterID] = config
}

func (c *Context) trackedKeySnapshot() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.trackedKeys))
	copy(out, c.trackedKeys)
	return out
}

// view returns the read-only face handed to filters and condition evaluation.
func (c *Context) view() filter.ContextView {
	return (*contextView)(c)
}

// contextView adapts Context to the filter-facing interface.
type contextView Context

func (v *contextView) ctx() *Context { return (*Context)(v) }

func (v *contextView) RunID() string           { return v.ctx().runID }
func (v *contextView) CorrelationID() string   { return v.ctx().correlationID }
func (v *contextView) StartedAt() time.Time    { return v.ctx().startedAt }
func (v *contextView) RawInvoice() invoice.Raw { return v.ctx().raw }
func (v *contextView) RawInvoiceKey() string   { return v.ctx().rawKey }

func (v *contextView) TempStore() tempstore.Store { return v.ctx().store }

func (v *contextView) TrackTempKey(key string) {
	c := v.ctx()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.trackedKeys {
		if k == key {
			return
		}
	}
	c.trackedKeys = append(c.trackedKeys, key)
}

func (v *contextView) ParsedInvoice() *invoice.Canonical {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parsed
}

func (v *contextView) Diagnostics() []diag.Diagnostic {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]diag.Diagnostic, len(c.diagnostics))
	copy(out, c.diagnostics)
	return out
}

func (v *contextView) CompletedSteps() []filter.Result {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]filter.Result, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.results[id])
	}
	return out
}

func (v *contextView) GetStepResult(filterID string) (*filter.Result, bool) {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[filterID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (v *contextView) HasExecuted(filterID string) bool {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[filterID]
	return ok && r.Execution == filter.ExecutionRan
}

func (v *contextView) GetFilterConfig(filterID string) map[string]any {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configs[filterID]
}

func (v *contextView) Aborted() bool {
	c := v.ctx()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aborted
}

package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/veriflow-labs/veriflow/pkg/diag"
	"github.com/veriflow-labs/veriflow/pkg/filter"
)

// Built-in condition forms. Anything else is compiled as a CEL expression.
var (
	filterPassedPattern = regexp.MustCompile(`^filter-passed\(([a-z][a-z0-9-]*)\)$`)
	filterFailedPattern = regexp.MustCompile(`^filter-failed\(([a-z][a-z0-9-]*)\)$`)
	fieldExistsPattern  = regexp.MustCompile(`^field-exists\(([\w.]+)\)$`)
)

// ConditionEvaluator evaluates step conditions against the run context.
// Built-in forms (filter-passed, filter-failed, field-exists) are matched
// first; everything else is treated as a CEL expression over the variables
// `aborted`, `invoice` and `steps`. Compiled programs are cached.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator creates an evaluator with the standard environment.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("aborted", cel.BoolType),
		cel.Variable("invoice", cel.DynType),
		cel.Variable("steps", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("plan: cel environment failed: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate returns whether the condition holds for the current context.
// Evaluation is fail-closed: errors yield false plus the error.
func (e *ConditionEvaluator) Evaluate(condition string, view filter.ContextView) (bool, error) {
	if condition == "" {
		return true, nil
	}

	if m := filterPassedPattern.FindStringSubmatch(condition); m != nil {
		return filterPassed(view, m[1]), nil
	}
	if m := filterFailedPattern.FindStringSubmatch(condition); m != nil {
		return filterFailed(view, m[1]), nil
	}
	if m := fieldExistsPattern.FindStringSubmatch(condition); m != nil {
		return view.ParsedInvoice().FieldExists(m[1]), nil
	}

	return e.evaluateCEL(condition, view)
}

// filterPassed: the step ran and emitted no error diagnostics.
func filterPassed(view filter.ContextView, id string) bool {
	result, ok := view.GetStepResult(id)
	if !ok || result.Execution != filter.ExecutionRan {
		return false
	}
	return !diag.HasErrors(result.Diagnostics)
}

// filterFailed: the step ran and emitted at least one error.
func filterFailed(view filter.ContextView, id string) bool {
	result, ok := view.GetStepResult(id)
	if !ok || result.Execution != filter.ExecutionRan {
		return false
	}
	return diag.HasErrors(result.Diagnostics)
}

func (e *ConditionEvaluator) evaluateCEL(expr string, view filter.ContextView) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"aborted": view.Aborted(),
		"invoice": invoiceAsMap(view),
		"steps":   stepsAsMap(view),
	})
	if err != nil {
		return false, fmt.Errorf("plan: condition %q evaluation failed: %w", expr, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("plan: condition %q is not boolean", expr)
	}
	return result, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("plan: condition %q does not compile: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan: condition %q program failed: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func invoiceAsMap(view filter.ContextView) map[string]any {
	inv := view.ParsedInvoice()
	if inv == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(inv)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func stepsAsMap(view filter.ContextView) map[string]any {
	out := map[string]any{}
	for _, r := range view.CompletedSteps() {
		counts := diag.Count(r.Diagnostics)
		out[r.FilterID] = map[string]any{
			"execution": string(r.Execution),
			"errors":    counts.Errors,
			"warnings":  counts.Warnings,
		}
	}
	return out
}

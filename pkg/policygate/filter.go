package policygate

import (
	"context"
	"fmt"

	"github.com/veriflow-labs/veriflow/pkg/filter"
)

// Canonical ids for the decision step. Both are accepted; plans may use
// either.
const (
	FilterID    = "policy-gate"
	FilterIDAlt = "steps-policy-gate"
)

// MetaDecision is the result metadata key carrying the *GateDecision.
const MetaDecision = "policyDecision"

// Version of the built-in gate filter.
const Version = "1.2.0"

// NewFilter wraps Evaluate as a pipeline step. Plans should give it
// failurePolicy always_run so a verdict exists even for aborted runs.
func NewFilter(id string) (filter.Filter, error) {
	if id == "" {
		id = FilterID
	}
	if id != FilterID && id != FilterIDAlt {
		return nil, fmt.Errorf("policygate: unsupported filter id %q", id)
	}
	return &filter.Func{
		FilterID:          id,
		FilterName:        "Policy Gate",
		FilterVersion:     Version,
		FilterDescription: "Folds step outcomes and diagnostics into the final compliance verdict.",
		FilterTags:        []string{"decision", "compliance"},
		Fn: func(ctx context.Context, view filter.ContextView, config map[string]any) (*filter.Result, error) {
			decision := Evaluate(view, ParseConfig(config))
			result := filter.NewResult(id)
			result.Metadata = map[string]any{MetaDecision: decision}
			return result, nil
		},
	}, nil
}

// DecisionFrom extracts the gate decision from a step result, if present.
func DecisionFrom(r *filter.Result) (*GateDecision, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Meta(MetaDecision)
	if !ok {
		return nil, false
	}
	d, ok := v.(*GateDecision)
	return d, ok
}

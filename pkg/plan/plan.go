// Package plan defines the declarative execution plan: an ordered, possibly
// nested DAG of filter invocations with configuration, plus the canonical
// hashing that makes a run reproducible and auditable.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/veriflow-labs/veriflow/pkg/canonical"
	"github.com/veriflow-labs/veriflow/pkg/retry"
)

// FailurePolicy governs how step errors affect pipeline progression.
type FailurePolicy string

const (
	FailFast   FailurePolicy = "fail_fast"
	SoftFail   FailurePolicy = "soft_fail"
	BestEffort FailurePolicy = "best_effort"
	AlwaysRun  FailurePolicy = "always_run"
)

// RetrySpec is the wire/plan form of a retry configuration (milliseconds).
type RetrySpec struct {
	MaxRetries           int      `json:"maxRetries"`
	InitialDelayMs       int64    `json:"initialDelayMs"`
	BackoffMultiplier    float64  `json:"backoffMultiplier"`
	MaxDelayMs           int64    `json:"maxDelayMs"`
	TotalBudgetMs        int64    `json:"totalBudgetMs,omitempty"`
	RetryableStatusCodes []int    `json:"retryableStatusCodes,omitempty"`
	RetryableErrorTypes  []string `json:"retryableErrorTypes,omitempty"`
	JitterFactor         float64  `json:"jitterFactor,omitempty"`
}

// Config converts the spec into the harness configuration.
func (s *RetrySpec) Config() retry.Config {
	if s == nil {
		return retry.Config{}
	}
	return retry.Config{
		MaxRetries:           s.MaxRetries,
		InitialDelay:         time.Duration(s.InitialDelayMs) * time.Millisecond,
		BackoffMultiplier:    s.BackoffMultiplier,
		MaxDelay:             time.Duration(s.MaxDelayMs) * time.Millisecond,
		TotalBudget:          time.Duration(s.TotalBudgetMs) * time.Millisecond,
		RetryableStatusCodes: s.RetryableStatusCodes,
		RetryableErrorTypes:  s.RetryableErrorTypes,
		JitterFactor:         s.JitterFactor,
	}
}

// Step is one node of the plan tree. Leaf steps name a filter; group steps
// carry children and may dispatch them in parallel.
type Step struct {
	FilterID          string         `json:"filterId"`
	Enabled           bool           `json:"enabled"`
	Order             int            `json:"order"`
	Condition         string         `json:"condition,omitempty"`
	Parallel          bool           `json:"parallel,omitempty"`
	Children          []Step         `json:"children,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
	TimeoutMs         int64          `json:"timeoutMs,omitempty"`
	ContinueOnFailure bool           `json:"continueOnFailure,omitempty"`
	FailurePolicy     FailurePolicy  `json:"failurePolicy,omitempty"`
	Retry             *RetrySpec     `json:"retry,omitempty"`
}

// IsGroup reports whether the step is a nested group.
func (s *Step) IsGroup() bool {
	return len(s.Children) > 0
}

// EffectivePolicy resolves the failure policy (default fail_fast).
func (s *Step) EffectivePolicy() FailurePolicy {
	if s.FailurePolicy == "" {
		return FailFast
	}
	return s.FailurePolicy
}

// GlobalConfig is the plan-level execution configuration.
type GlobalConfig struct {
	MaxParallelism       int    `json:"maxParallelism"`
	DefaultFilterTimeout int64  `json:"defaultFilterTimeoutMs"`
	StrictMode           bool   `json:"strictMode,omitempty"`
	RetryOnError         bool   `json:"retryOnError,omitempty"`
	MaxRetries           int    `json:"maxRetries,omitempty"`
	Locale               string `json:"locale,omitempty"`
}

// Defaults used when the plan leaves global settings unset.
const (
	DefaultMaxParallelism = 5
	DefaultFilterTimeout  = 10_000 // ms
)

// Normalized returns the config with defaults applied.
func (g GlobalConfig) Normalized() GlobalConfig {
	if g.MaxParallelism <= 0 {
		g.MaxParallelism = DefaultMaxParallelism
	}
	if g.DefaultFilterTimeout <= 0 {
		g.DefaultFilterTimeout = DefaultFilterTimeout
	}
	return g
}

// Plan is a validated, hashable execution plan.
type Plan struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	Name         string       `json:"name,omitempty"`
	Steps        []Step       `json:"steps"`
	ConfigHash   string       `json:"configHash"`
	GlobalConfig GlobalConfig `json:"globalConfig"`
	CreatedAt    time.Time    `json:"createdAt"`
	IsDefault    bool         `json:"isDefault,omitempty"`
}

// ErrInvalidPlan wraps all plan validation failures.
var ErrInvalidPlan = errors.New("plan: invalid plan")

// Validate checks structural invariants: non-empty id/version, every leaf
// names a filter, no duplicate filter ids across the tree.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlan)
	}
	if p.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidPlan)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	seen := map[string]bool{}
	var walk func(steps []Step) error
	walk = func(steps []Step) error {
		for i := range steps {
			s := &steps[i]
			if s.FilterID == "" {
				return fmt.Errorf("%w: step without filterId", ErrInvalidPlan)
			}
			if seen[s.FilterID] {
				return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.FilterID)
			}
			seen[s.FilterID] = true
			if s.IsGroup() {
				if err := walk(s.Children); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(p.Steps)
}

// StepConfigHashes returns id -> canonical hash of each step's config, used
// in plan snapshots.
func (p *Plan) StepConfigHashes() (map[string]string, error) {
	out := map[string]string{}
	var walk func(steps []Step) error
	walk = func(steps []Step) error {
		for i := range steps {
			s := &steps[i]
			if len(s.Config) > 0 {
				h, err := canonical.Hash(s.Config)
				if err != nil {
					return fmt.Errorf("plan: config hash for %q failed: %w", s.FilterID, err)
				}
				out[s.FilterID] = h
			}
			if s.IsGroup() {
				if err := walk(s.Children); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(p.Steps); err != nil {
		return nil, err
	}
	return out, nil
}

// computeConfigHash hashes the canonical JSON of the steps tree and global
// config. The configHash field itself is excluded by construction.
func computeConfigHash(steps []Step, global GlobalConfig) (string, error) {
	return canonical.Hash(map[string]any{
		"steps":        steps,
		"globalConfig": global,
	})
}

// WalkLeaves calls fn for every leaf step in plan order.
func (p *Plan) WalkLeaves(fn func(*Step)) {
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for i := range steps {
			if steps[i].IsGroup() {
				walk(steps[i].Children)
			} else {
				fn(&steps[i])
			}
		}
	}
	walk(p.Steps)
}

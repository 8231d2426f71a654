package plan

import (
	"fmt"
	"sort"
	"time"
)

// Builder constructs plans declaratively. Build validates, orders steps and
// computes the config hash.
type Builder struct {
	plan Plan
	err  error
}

// NewBuilder starts an empty plan.
func NewBuilder() *Builder {
	return &Builder{plan: Plan{GlobalConfig: GlobalConfig{}.Normalized()}}
}

// SetID sets the plan id.
func (b *Builder) SetID(id string) *Builder {
	b.plan.ID = id
	return b
}

// SetVersion sets the plan version.
func (b *Builder) SetVersion(version string) *Builder {
	b.plan.Version = version
	return b
}

// SetName sets the display name.
func (b *Builder) SetName(name string) *Builder {
	b.plan.Name = name
	return b
}

// SetGlobalConfig replaces the global configuration.
func (b *Builder) SetGlobalConfig(cfg GlobalConfig) *Builder {
	b.plan.GlobalConfig = cfg.Normalized()
	return b
}

// SetDefault marks the plan as the built-in default.
func (b *Builder) SetDefault(isDefault bool) *Builder {
	b.plan.IsDefault = isDefault
	return b
}

// AddStep appends a top-level step. Steps without an explicit order get the
// next free slot. Enablement defaults to true.
func (b *Builder) AddStep(step Step) *Builder {
	normalizeStep(&step, len(b.plan.Steps)+1)
	b.plan.Steps = append(b.plan.Steps, step)
	return b
}

func normalizeStep(step *Step, defaultOrder int) {
	if step.Order == 0 {
		step.Order = defaultOrder
	}
	if !step.Enabled {
		step.Enabled = true
	}
	for i := range step.Children {
		normalizeStep(&step.Children[i], i+1)
	}
}

// AddDisabledStep appends a step that starts disabled.
func (b *Builder) AddDisabledStep(step Step) *Builder {
	b.AddStep(step)
	b.plan.Steps[len(b.plan.Steps)-1].Enabled = false
	return b
}

// RemoveStep drops a step (or group child) by filter id.
func (b *Builder) RemoveStep(filterID string) *Builder {
	b.plan.Steps = removeFrom(b.plan.Steps, filterID)
	return b
}

func removeFrom(steps []Step, filterID string) []Step {
	out := steps[:0]
	for i := range steps {
		if steps[i].FilterID == filterID {
			continue
		}
		steps[i].Children = removeFrom(steps[i].Children, filterID)
		out = append(out, steps[i])
	}
	return out
}

// EnableStep enables a step by id.
func (b *Builder) EnableStep(filterID string) *Builder {
	b.setEnabled(filterID, true)
	return b
}

// DisableStep disables a step by id.
func (b *Builder) DisableStep(filterID string) *Builder {
	b.setEnabled(filterID, false)
	return b
}

func (b *Builder) setEnabled(filterID string, enabled bool) {
	found := false
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for i := range steps {
			if steps[i].FilterID == filterID {
				steps[i].Enabled = enabled
				found = true
			}
			walk(steps[i].Children)
		}
	}
	walk(b.plan.Steps)
	if !found && b.err == nil {
		b.err = fmt.Errorf("%w: unknown step %q", ErrInvalidPlan, filterID)
	}
}

// SetStepConfig replaces a step's config map.
func (b *Builder) SetStepConfig(filterID string, config map[string]any) *Builder {
	found := false
	var walk func(steps []Step)
	walk = func(steps []Step) {
		for i := range steps {
			if steps[i].FilterID == filterID {
				steps[i].Config = config
				found = true
			}
			walk(steps[i].Children)
		}
	}
	walk(b.plan.Steps)
	if !found && b.err == nil {
		b.err = fmt.Errorf("%w: unknown step %q", ErrInvalidPlan, filterID)
	}
	return b
}

// Build validates and finalizes the plan, computing configHash over the
// canonical steps tree and global config.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}

	p := b.plan // copy
	sortSteps(p.Steps)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	hash, err := computeConfigHash(p.Steps, p.GlobalConfig)
	if err != nil {
		return nil, fmt.Errorf("plan: config hash failed: %w", err)
	}
	p.ConfigHash = hash
	return &p, nil
}

// sortSteps orders peers by their order field (stable for equal orders).
func sortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	for i := range steps {
		sortSteps(steps[i].Children)
	}
}

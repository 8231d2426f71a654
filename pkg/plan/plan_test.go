package plan

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSmallPlan(t *testing.T) *Plan {
	t.Helper()
	p, err := NewBuilder().
		SetID("test-plan").
		SetVersion("1.0.0").
		AddStep(Step{FilterID: "parser", Order: 1}).
		AddStep(Step{FilterID: "kosit", Order: 2, Config: map[string]any{"mode": "api"}}).
		Build()
	require.NoError(t, err)
	return p
}

func TestBuilder_DefaultsAndOrdering(t *testing.T) {
	p, err := NewBuilder().
		SetID("p").
		SetVersion("1").
		AddStep(Step{FilterID: "second", Order: 2}).
		AddStep(Step{FilterID: "first", Order: 1}).
		AddStep(Step{FilterID: "third"}). // gets order 3
		Build()
	require.NoError(t, err)

	require.Len(t, p.Steps, 3)
	assert.Equal(t, "first", p.Steps[0].FilterID)
	assert.Equal(t, "second", p.Steps[1].FilterID)
	assert.Equal(t, "third", p.Steps[2].FilterID)
	for _, s := range p.Steps {
		assert.True(t, s.Enabled)
	}
	assert.Equal(t, DefaultMaxParallelism, p.GlobalConfig.MaxParallelism)
	assert.Equal(t, int64(DefaultFilterTimeout), p.GlobalConfig.DefaultFilterTimeout)
}

func TestBuilder_DisableAndRemove(t *testing.T) {
	p, err := NewBuilder().
		SetID("p").
		SetVersion("1").
		AddStep(Step{FilterID: "a"}).
		AddStep(Step{FilterID: "b"}).
		AddStep(Step{FilterID: "c"}).
		DisableStep("b").
		RemoveStep("c").
		Build()
	require.NoError(t, err)

	require.Len(t, p.Steps, 2)
	assert.True(t, p.Steps[0].Enabled)
	assert.False(t, p.Steps[1].Enabled)
}

func TestBuilder_UnknownStepFails(t *testing.T) {
	_, err := NewBuilder().
		SetID("p").
		SetVersion("1").
		AddStep(Step{FilterID: "a"}).
		DisableStep("missing").
		Build()
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidate_DuplicateIDs(t *testing.T) {
	_, err := NewBuilder().
		SetID("p").
		SetVersion("1").
		AddStep(Step{FilterID: "a"}).
		AddStep(Step{FilterID: "group", Children: []Step{{FilterID: "a"}}}).
		Build()
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidate_MissingFields(t *testing.T) {
	cases := []struct {
		name string
		plan Plan
	}{
		{"no id", Plan{Version: "1", Steps: []Step{{FilterID: "a"}}}},
		{"no version", Plan{ID: "p", Steps: []Step{{FilterID: "a"}}}},
		{"no steps", Plan{ID: "p", Version: "1"}},
		{"blank filter id", Plan{ID: "p", Version: "1", Steps: []Step{{}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.plan.Validate(), ErrInvalidPlan)
		})
	}
}

func TestConfigHash_DeterministicAcrossRebuilds(t *testing.T) {
	a := buildSmallPlan(t)
	b := buildSmallPlan(t)
	assert.Equal(t, a.ConfigHash, b.ConfigHash)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a.ConfigHash)
}

func TestConfigHash_SensitiveToConfigChange(t *testing.T) {
	a := buildSmallPlan(t)

	b, err := NewBuilder().
		SetID("test-plan").
		SetVersion("1.0.0").
		AddStep(Step{FilterID: "parser", Order: 1}).
		AddStep(Step{FilterID: "kosit", Order: 2, Config: map[string]any{"mode": "cli"}}).
		Build()
	require.NoError(t, err)

	assert.NotEqual(t, a.ConfigHash, b.ConfigHash)
}

func TestConfigHash_InsensitiveToStepInsertionOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("hash ignores AddStep call order when orders are explicit", prop.ForAll(
		func(swap bool) bool {
			steps := []Step{
				{FilterID: "one", Order: 1},
				{FilterID: "two", Order: 2},
			}
			if swap {
				steps[0], steps[1] = steps[1], steps[0]
			}
			b := NewBuilder().SetID("p").SetVersion("1")
			for _, s := range steps {
				b.AddStep(s)
			}
			p, err := b.Build()
			if err != nil {
				return false
			}
			ref := buildRef()
			return p.ConfigHash == ref.ConfigHash
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func buildRef() *Plan {
	p, _ := NewBuilder().
		SetID("p").
		SetVersion("1").
		AddStep(Step{FilterID: "one", Order: 1}).
		AddStep(Step{FilterID: "two", Order: 2}).
		Build()
	return p
}

func TestEffectivePolicy_Default(t *testing.T) {
	s := Step{FilterID: "x"}
	assert.Equal(t, FailFast, s.EffectivePolicy())
	s.FailurePolicy = BestEffort
	assert.Equal(t, BestEffort, s.EffectivePolicy())
}

func TestRetrySpec_Config(t *testing.T) {
	spec := &RetrySpec{
		MaxRetries:        3,
		InitialDelayMs:    200,
		BackoffMultiplier: 2,
		MaxDelayMs:        2000,
		TotalBudgetMs:     8000,
	}
	cfg := spec.Config()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.MaxDelay)
	assert.Equal(t, 8*time.Second, cfg.TotalBudget)
}

func TestSnapshot_Capture(t *testing.T) {
	p := buildSmallPlan(t)

	versions := map[string]string{"parser": "1.0.0", "kosit": "2.1.0"}
	snap, err := Capture(p, nil, versions, "sha256:"+testZeros)
	require.NoError(t, err)

	assert.Equal(t, p.ID, snap.PlanID)
	assert.Equal(t, p.ConfigHash, snap.ConfigHash)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, snap.PlanHash)
	assert.Equal(t, EngineVersion, snap.EngineVersions["pipeline"])
	assert.Contains(t, snap.StepConfigHashes, "kosit")
	assert.NotContains(t, snap.StepConfigHashes, "parser") // no config
	assert.False(t, snap.CapturedAt.IsZero())
}

const testZeros = "0000000000000000000000000000000000000000000000000000000000000000"

func TestSnapshot_HashStableAndSensitive(t *testing.T) {
	p := buildSmallPlan(t)
	versions := map[string]string{"parser": "1.0.0"}

	a, err := Capture(p, nil, versions, "sha256:"+testZeros)
	require.NoError(t, err)
	b, err := Capture(p, nil, versions, "sha256:"+testZeros)
	require.NoError(t, err)
	assert.Equal(t, a.PlanHash, b.PlanHash)

	// A filter version bump must change the plan hash.
	c, err := Capture(p, nil, map[string]string{"parser": "1.0.1"}, "sha256:"+testZeros)
	require.NoError(t, err)
	assert.NotEqual(t, a.PlanHash, c.PlanHash)

	// So must a different config snapshot.
	d, err := Capture(p, nil, versions, "sha256:"+testZeros[:63]+"1")
	require.NoError(t, err)
	assert.NotEqual(t, a.PlanHash, d.PlanHash)
}

func TestDefaultPlan(t *testing.T) {
	p, err := DefaultPlan()
	require.NoError(t, err)
	require.NoError(t, p.Validate())
	assert.True(t, p.IsDefault)

	var leaves []string
	p.WalkLeaves(func(s *Step) { leaves = append(leaves, s.FilterID) })
	assert.Equal(t, []string{
		FilterParser, FilterKosit,
		FilterVIES, FilterECBRates, FilterPeppolDirectory,
		FilterAmountValidation, FilterSemanticRisk,
		FilterFingerprint, FilterPolicyGate,
	}, leaves)

	var group *Step
	for i := range p.Steps {
		if p.Steps[i].FilterID == FilterLiveVerifiers {
			group = &p.Steps[i]
		}
	}
	require.NotNil(t, group)
	assert.True(t, group.Parallel)
	assert.Len(t, group.Children, 3)

	// A kosit schema failure must stop the run before the calculation steps;
	// the retry spec covers transient transport errors only.
	for i := range p.Steps {
		if p.Steps[i].FilterID == FilterKosit {
			assert.Equal(t, FailFast, p.Steps[i].EffectivePolicy())
			assert.NotNil(t, p.Steps[i].Retry)
		}
	}

	last := p.Steps[len(p.Steps)-1]
	assert.Equal(t, FilterPolicyGate, last.FilterID)
	assert.Equal(t, AlwaysRun, last.EffectivePolicy())
}

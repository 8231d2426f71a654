package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const planJSON = `{
  "id": "tenant-strict",
  "version": "2.0.0",
  "name": "Strict tenant pipeline",
  "globalConfig": {"maxParallelism": 3},
  "steps": [
    {"filterId": "parser", "order": 1},
    {"filterId": "kosit", "order": 2, "condition": "filter-passed(parser)",
     "failurePolicy": "soft_fail",
     "retry": {"maxRetries": 2, "initialDelayMs": 100, "backoffMultiplier": 2, "maxDelayMs": 1000}},
    {"filterId": "semantic-risk", "order": 3, "enabled": false},
    {"filterId": "policy-gate", "order": 4, "failurePolicy": "always_run"}
  ]
}`

func TestLoadJSON(t *testing.T) {
	p, err := LoadJSON([]byte(planJSON))
	require.NoError(t, err)

	assert.Equal(t, "tenant-strict", p.ID)
	assert.Equal(t, "2.0.0", p.Version)
	assert.Equal(t, 3, p.GlobalConfig.MaxParallelism)
	assert.Equal(t, int64(DefaultFilterTimeout), p.GlobalConfig.DefaultFilterTimeout)
	require.Len(t, p.Steps, 4)

	kosit := p.Steps[1]
	assert.Equal(t, "filter-passed(parser)", kosit.Condition)
	assert.Equal(t, SoftFail, kosit.FailurePolicy)
	require.NotNil(t, kosit.Retry)
	assert.Equal(t, 2, kosit.Retry.MaxRetries)

	// Omitted "enabled" defaults to true, explicit false sticks.
	assert.True(t, p.Steps[0].Enabled)
	assert.False(t, p.Steps[2].Enabled)

	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, p.ConfigHash)
}

func TestLoadJSON_SchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `{"id":`},
		{"missing version", `{"id": "p", "steps": [{"filterId": "a"}]}`},
		{"empty steps", `{"id": "p", "version": "1", "steps": []}`},
		{"bad filter id", `{"id": "p", "version": "1", "steps": [{"filterId": "Not-Valid"}]}`},
		{"bad policy", `{"id": "p", "version": "1", "steps": [{"filterId": "a", "failurePolicy": "explode"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadJSON([]byte(tc.doc))
			assert.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

const planYAML = `
id: tenant-relaxed
version: 1.1.0
steps:
  - filterId: parser
    order: 1
  - filterId: live-verifiers
    order: 2
    parallel: true
    children:
      - filterId: vies
        failurePolicy: best_effort
      - filterId: ecb-rates
        failurePolicy: best_effort
  - filterId: policy-gate
    order: 3
    failurePolicy: always_run
`

func TestLoadYAML(t *testing.T) {
	p, err := LoadYAML([]byte(planYAML))
	require.NoError(t, err)

	assert.Equal(t, "tenant-relaxed", p.ID)
	require.Len(t, p.Steps, 3)

	group := p.Steps[1]
	assert.True(t, group.Parallel)
	require.Len(t, group.Children, 2)
	assert.Equal(t, BestEffort, group.Children[0].FailurePolicy)
	assert.True(t, group.Children[0].Enabled)
}

func TestLoad_FormatSniffing(t *testing.T) {
	fromJSON, err := Load([]byte(planJSON))
	require.NoError(t, err)
	fromYAML, err := Load([]byte(planYAML))
	require.NoError(t, err)

	assert.Equal(t, "tenant-strict", fromJSON.ID)
	assert.Equal(t, "tenant-relaxed", fromYAML.ID)
}

func TestLoad_EquivalentDocumentsHashEqual(t *testing.T) {
	// Same plan in JSON and YAML with shuffled key order.
	a, err := LoadJSON([]byte(`{"version": "1", "id": "same", "steps": [{"order": 1, "filterId": "parser"}]}`))
	require.NoError(t, err)
	b, err := LoadYAML([]byte("id: same\nversion: \"1\"\nsteps:\n  - filterId: parser\n    order: 1\n"))
	require.NoError(t, err)

	assert.Equal(t, a.ConfigHash, b.ConfigHash)
}

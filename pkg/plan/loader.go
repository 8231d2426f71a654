package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// planSchema validates plan documents before decoding. Kept deliberately
// structural; semantic checks (duplicate ids, leaf filters) stay in Validate.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "isDefault": {"type": "boolean"},
    "globalConfig": {
      "type": "object",
      "properties": {
        "maxParallelism": {"type": "integer", "minimum": 1},
        "defaultFilterTimeoutMs": {"type": "integer", "minimum": 1},
        "strictMode": {"type": "boolean"},
        "retryOnError": {"type": "boolean"},
        "maxRetries": {"type": "integer", "minimum": 0},
        "locale": {"type": "string"}
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    }
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["filterId"],
      "properties": {
        "filterId": {"type": "string", "pattern": "^[a-z][a-z0-9]*(-[a-z0-9]+)*$"},
        "enabled": {"type": "boolean"},
        "order": {"type": "integer"},
        "condition": {"type": "string"},
        "parallel": {"type": "boolean"},
        "children": {"type": "array", "items": {"$ref": "#/$defs/step"}},
        "config": {"type": "object"},
        "timeoutMs": {"type": "integer", "minimum": 1},
        "continueOnFailure": {"type": "boolean"},
        "failurePolicy": {"enum": ["fail_fast", "soft_fail", "best_effort", "always_run"]},
        "retry": {
          "type": "object",
          "properties": {
            "maxRetries": {"type": "integer", "minimum": 0},
            "initialDelayMs": {"type": "integer", "minimum": 0},
            "backoffMultiplier": {"type": "number", "minimum": 1},
            "maxDelayMs": {"type": "integer", "minimum": 0},
            "totalBudgetMs": {"type": "integer", "minimum": 0},
            "retryableStatusCodes": {"type": "array", "items": {"type": "integer"}},
            "retryableErrorTypes": {"type": "array", "items": {"type": "string"}},
            "jitterFactor": {"type": "number", "minimum": 0, "maximum": 1}
          }
        }
      }
    }
  }
}`

var compiledPlanSchema = jsonschema.MustCompileString("plan.schema.json", planSchema)

// planDocument mirrors Plan but keeps enablement optional, so a document that
// omits "enabled" defaults to true rather than false.
type planDocument struct {
	ID           string         `json:"id"`
	Version      string         `json:"version"`
	Name         string         `json:"name"`
	IsDefault    bool           `json:"isDefault"`
	GlobalConfig GlobalConfig   `json:"globalConfig"`
	Steps        []stepDocument `json:"steps"`
}

type stepDocument struct {
	FilterID          string         `json:"filterId"`
	Enabled           *bool          `json:"enabled"`
	Order             int            `json:"order"`
	Condition         string         `json:"condition"`
	Parallel          bool           `json:"parallel"`
	Children          []stepDocument `json:"children"`
	Config            map[string]any `json:"config"`
	TimeoutMs         int64          `json:"timeoutMs"`
	ContinueOnFailure bool           `json:"continueOnFailure"`
	FailurePolicy     FailurePolicy  `json:"failurePolicy"`
	Retry             *RetrySpec     `json:"retry"`
}

// LoadJSON parses, schema-validates and finalizes a JSON plan document.
func LoadJSON(data []byte) (*Plan, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidPlan, err)
	}
	if err := compiledPlanSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return doc.build()
}

// LoadYAML parses a YAML plan document by converting to JSON first, so both
// formats share one schema and decode path.
func LoadYAML(data []byte) (*Plan, error) {
	var node any
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: not valid YAML: %v", ErrInvalidPlan, err)
	}
	jsonData, err := json.Marshal(yamlToJSON(node))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return LoadJSON(jsonData)
}

// Load sniffs the format: documents starting with '{' are JSON.
func Load(data []byte) (*Plan, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "{") {
		return LoadJSON(data)
	}
	return LoadYAML(data)
}

func (d *planDocument) build() (*Plan, error) {
	b := NewBuilder().
		SetID(d.ID).
		SetVersion(d.Version).
		SetName(d.Name).
		SetDefault(d.IsDefault).
		SetGlobalConfig(d.GlobalConfig)
	for _, sd := range d.Steps {
		b.AddStep(sd.step())
	}
	// The builder defaults enablement to true; re-apply explicit
	// enabled:false by id before finalizing.
	var disable func(docs []stepDocument)
	disable = func(docs []stepDocument) {
		for i := range docs {
			if docs[i].Enabled != nil && !*docs[i].Enabled {
				b.DisableStep(docs[i].FilterID)
			}
			disable(docs[i].Children)
		}
	}
	disable(d.Steps)
	return b.Build()
}

func (sd *stepDocument) step() Step {
	s := Step{
		FilterID:          sd.FilterID,
		Order:             sd.Order,
		Condition:         sd.Condition,
		Parallel:          sd.Parallel,
		Config:            sd.Config,
		TimeoutMs:         sd.TimeoutMs,
		ContinueOnFailure: sd.ContinueOnFailure,
		FailurePolicy:     sd.FailurePolicy,
		Retry:             sd.Retry,
	}
	for _, c := range sd.Children {
		s.Children = append(s.Children, c.step())
	}
	return s
}

// yamlToJSON converts yaml.v3's map[string]any/map[any]any trees into
// JSON-marshalable form.
func yamlToJSON(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = yamlToJSON(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = yamlToJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = yamlToJSON(val)
		}
		return out
	default:
		return v
	}
}

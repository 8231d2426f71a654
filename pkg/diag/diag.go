// Package diag defines the structured validation finding model. A diagnostic
// never carries raw invoice content: messages are sanitized at construction.
package diag

import (
	"github.com/veriflow-labs/veriflow/pkg/privacy"
)

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

// Common diagnostic categories.
const (
	CategorySchema       = "schema"
	CategoryBusinessRule = "business-rule"
	CategoryCalculation  = "calculation"
	CategoryExternal     = "external"
	CategoryInternal     = "internal"
)

// Diagnostic is a single structured finding emitted by a filter.
type Diagnostic struct {
	Code      string         `json:"code"`
	Severity  Severity       `json:"severity"`
	Category  string         `json:"category,omitempty"`
	Source    string         `json:"source"` // filter id, never a display name
	Message   string         `json:"message"`
	Location  string         `json:"location,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	HardBlock bool           `json:"hardBlock,omitempty"`
}

var sanitizer = privacy.NewSanitizer()

// New builds a diagnostic with a sanitized message.
func New(code string, severity Severity, category, source, message string) Diagnostic {
	return Diagnostic{
		Code:     code,
		Severity: severity,
		Category: category,
		Source:   source,
		Message:  sanitizer.Sanitize(message),
	}
}

// WithLocation returns a copy with a (sanitized) location attached.
func (d Diagnostic) WithLocation(location string) Diagnostic {
	d.Location = sanitizer.Sanitize(location)
	return d
}

// WithContext returns a copy with an extra context entry. Values are the
// caller's responsibility; filters must only attach rule metadata here.
func (d Diagnostic) WithContext(key string, value any) Diagnostic {
	if d.Context == nil {
		d.Context = make(map[string]any, 1)
	}
	d.Context[key] = value
	return d
}

// AsHardBlock returns a copy carrying the explicit hard-block marker.
func (d Diagnostic) AsHardBlock() Diagnostic {
	d.HardBlock = true
	return d
}

// Demote lowers error/warning severity to the given ceiling. Used by the
// best_effort failure policy so a step's findings stay non-binding.
func (d Diagnostic) Demote(ceiling Severity) Diagnostic {
	if rank(d.Severity) > rank(ceiling) {
		d.Severity = ceiling
	}
	return d
}

func rank(s Severity) int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Counts aggregates diagnostics by severity.
type Counts struct {
	Errors   int `json:"errors"`
	Warnings int `json:"warnings"`
	Infos    int `json:"infos"`
	Hints    int `json:"hints"`
}

// Count tallies a diagnostic list.
func Count(list []Diagnostic) Counts {
	var c Counts
	for _, d := range list {
		switch d.Severity {
		case SeverityError:
			c.Errors++
		case SeverityWarning:
			c.Warnings++
		case SeverityInfo:
			c.Infos++
		case SeverityHint:
			c.Hints++
		}
	}
	return c
}

// HasErrors reports whether any diagnostic has severity error.
func HasErrors(list []Diagnostic) bool {
	for _, d := range list {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasHardBlock reports whether any diagnostic carries the hard-block marker.
func HasHardBlock(list []Diagnostic) bool {
	for _, d := range list {
		if d.HardBlock {
			return true
		}
	}
	return false
}

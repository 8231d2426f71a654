package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SanitizesMessage(t *testing.T) {
	d := New("BR-DE-15", SeverityError, CategoryBusinessRule, "kosit",
		"buyer contact someone@example.com missing reference")

	assert.NotContains(t, d.Message, "someone@example.com")
	assert.Contains(t, d.Message, "[REDACTED_EMAIL]")
}

func TestNew_SanitizesXML(t *testing.T) {
	d := New("XSD-01", SeverityError, CategorySchema, "parser",
		"unexpected element <cbc:ID>INV-77</cbc:ID> at line 12")

	assert.NotContains(t, d.Message, "INV-77")
}

func TestDemote(t *testing.T) {
	e := New("X", SeverityError, CategoryExternal, "vies", "lookup failed")
	assert.Equal(t, SeverityWarning, e.Demote(SeverityWarning).Severity)

	i := New("Y", SeverityInfo, CategoryExternal, "vies", "skipped")
	assert.Equal(t, SeverityInfo, i.Demote(SeverityWarning).Severity)
}

func TestCount(t *testing.T) {
	list := []Diagnostic{
		{Severity: SeverityError},
		{Severity: SeverityError},
		{Severity: SeverityWarning},
		{Severity: SeverityInfo},
		{Severity: SeverityHint},
	}
	c := Count(list)
	assert.Equal(t, 2, c.Errors)
	assert.Equal(t, 1, c.Warnings)
	assert.Equal(t, 1, c.Infos)
	assert.Equal(t, 1, c.Hints)
}

func TestHasErrors(t *testing.T) {
	assert.False(t, HasErrors(nil))
	assert.False(t, HasErrors([]Diagnostic{{Severity: SeverityWarning}}))
	assert.True(t, HasErrors([]Diagnostic{{Severity: SeverityError}}))
}

func TestHardBlock(t *testing.T) {
	d := New("SANCTION-HIT", SeverityError, CategoryBusinessRule, "semantic-risk", "listed party").AsHardBlock()
	assert.True(t, d.HardBlock)
	assert.True(t, HasHardBlock([]Diagnostic{d}))
	assert.False(t, HasHardBlock([]Diagnostic{{Severity: SeverityError}}))
}

// Package privacy scrubs PII from diagnostic messages, report summaries and
// warnings before they are stored or propagated. Raw invoice content must
// never leave the run; anything that looks like an email address, IBAN,
// VAT id, phone number or inline XML is redacted.
package privacy

import (
	"regexp"
	"strings"
)

// Redaction tokens. Generic by design: the token must not leak the shape or
// length of the original value.
const (
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedIBAN  = "[REDACTED_IBAN]"
	RedactedVAT   = "[REDACTED_VAT_ID]"
	RedactedPhone = "[REDACTED_PHONE]"
	RedactedXML   = "[REDACTED_XML]"
)

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	// Two-letter country code, two check digits, 11-30 alphanumerics.
	ibanRegex = regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`)
	// EU VAT ids: country prefix followed by 8-12 digits; some members mix in
	// letters (NL...B01, ESX1234567X).
	vatRegex = regexp.MustCompile(`\b(AT|BE|BG|CY|CZ|DE|DK|EE|EL|ES|FI|FR|HR|HU|IE|IT|LT|LU|LV|MT|NL|PL|PT|RO|SE|SI|SK|XI)[A-Z0-9]{8,12}\b`)
	// International (+49 ...) and national (030 .../(030) ...) formats.
	// Anchored on the + / parenthesis / trunk-zero prefix so ISO dates and
	// rule ids do not match.
	phoneRegex = regexp.MustCompile(`(\+\d{1,3}[\s./-]?\d{1,5}|\(0?\d{1,5}\)|0\d{1,4})([\s./-]?\d{2,6}){2,4}`)
	// A full XML element with content, e.g. <cbc:ID>4711</cbc:ID>.
	xmlElementRegex = regexp.MustCompile(`<([A-Za-z_][\w.:-]*)(\s[^<>]*)?>[^<>]*</[A-Za-z_][\w.:-]*>`)
)

// Sanitizer scrubs free-form text. Construct with NewSanitizer.
type Sanitizer struct {
	extra []*regexp.Regexp
}

// NewSanitizer returns a sanitizer with the built-in PII patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// WithPattern registers an additional redaction pattern on top of the
// built-in set.
func (s *Sanitizer) WithPattern(re *regexp.Regexp) *Sanitizer {
	s.extra = append(s.extra, re)
	return s
}

// Sanitize redacts all PII patterns from text. Order matters: XML before
// phone (digits inside elements would otherwise partially match), IBAN
// before VAT (an IBAN body can contain a VAT-shaped substring).
func (s *Sanitizer) Sanitize(text string) string {
	if text == "" {
		return text
	}
	out := xmlElementRegex.ReplaceAllString(text, RedactedXML)
	out = emailRegex.ReplaceAllString(out, RedactedEmail)
	out = ibanRegex.ReplaceAllString(out, RedactedIBAN)
	out = vatRegex.ReplaceAllString(out, RedactedVAT)
	out = phoneRegex.ReplaceAllString(out, RedactedPhone)
	for _, re := range s.extra {
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// ContainsPII reports whether text matches any built-in PII pattern.
// Used by report assembly as a final redline check.
func ContainsPII(text string) bool {
	return emailRegex.MatchString(text) ||
		ibanRegex.MatchString(text) ||
		vatRegex.MatchString(text) ||
		phoneRegex.MatchString(text) ||
		xmlElementRegex.MatchString(text)
}

// MaskVATID masks a VAT id for summary display: first two + "***" + last two
// characters. Values of four characters or fewer become "****".
func MaskVATID(vatID string) string {
	v := strings.TrimSpace(vatID)
	if v == "" {
		return ""
	}
	if len(v) <= 4 {
		return "****"
	}
	return v[:2] + "***" + v[len(v)-2:]
}

// MaskIdentifier masks an opaque identifier (e.g. invoice number) keeping
// only the first and last character.
func MaskIdentifier(id string) string {
	if len(id) <= 2 {
		return "**"
	}
	return id[:1] + strings.Repeat("*", len(id)-2) + id[len(id)-1:]
}

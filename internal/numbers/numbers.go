// Package numbers canonicalizes user-supplied phone strings into dialable
// digit-only identifiers.
package numbers

import "strings"

// Length thresholds for normalization. Eleven or more digits already carry
// a country prefix; anything under eight digits is not a routable number.
const (
	minDigits      = 8
	prefixedDigits = 11
	maxLocalDigits = 10
)

// Normalizer canonicalizes raw recipient strings. The default country code
// is injected once at process start and never changes afterwards.
type Normalizer struct {
	CountryCode string
}

// New returns a Normalizer with the given default country-code digits.
// An empty code disables prefix injection.
func New(countryCode string) *Normalizer {
	return &Normalizer{CountryCode: strip(countryCode)}
}

// Normalize strips all non-digit characters and applies the country-prefix
// policy. It reports false when the input cannot become a valid number.
// The function is pure; it performs no I/O.
func (n *Normalizer) Normalize(raw string) (string, bool) {
	digits := strip(raw)
	if digits == "" {
		return "", false
	}
	if len(digits) >= prefixedDigits {
		return digits, true
	}
	if len(digits) >= minDigits && len(digits) <= maxLocalDigits && n.CountryCode != "" {
		digits = n.CountryCode + digits
	}
	if len(digits) < minDigits {
		return "", false
	}
	return digits, true
}

// strip removes everything that is not an ASCII digit.
func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package providers

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const truncationMarker = ".."

// Maximum description lengths accepted by the gateways.
const (
	MollieDescriptionLen    = 29
	TargetPayDescriptionLen = 32
	MidtransDescriptionLen  = 50
	StripeDescriptionLen    = 127
)

func descriptionAllowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune(" .,:;+()/_-", r)
}

// CleanDescription strips accents, drops characters outside the gateway
// safe set, collapses whitespace and truncates to max runes, ending a
// truncated text with "..".
func CleanDescription(text string, max int) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}

	var b strings.Builder
	space := false
	for _, r := range stripped {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if !descriptionAllowed(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}

	out := b.String()
	if max <= 0 || len(out) <= max {
		return out
	}
	if max <= len(truncationMarker) {
		return out[:max]
	}
	return strings.TrimRight(out[:max-len(truncationMarker)], " ") + truncationMarker
}

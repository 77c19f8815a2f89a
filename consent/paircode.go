package consent

import "strings"

// NormalizePairCode canonicalizes a user-entered pairing code so that typed
// variants (mixed case, inserted separators or whitespace) compare equal to
// the stored code.
//
// Codes are generated as 32-character identifiers, so a cleaned input of
// exactly 32 alphanumerics is re-grouped into the canonical 8-4-4-4-12
// hyphenated form. Anything else is returned trimmed and lowercased as-is,
// which keeps arbitrary shorter tokens comparable too.
//
// The function is pure and idempotent: normalizing an already-normalized
// code yields the same string.
func NormalizePairCode(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}

	cleaned := b.String()
	if len(cleaned) != 32 {
		return strings.ToLower(strings.TrimSpace(input))
	}

	return strings.Join([]string{
		cleaned[:8],
		cleaned[8:12],
		cleaned[12:16],
		cleaned[16:20],
		cleaned[20:],
	}, "-")
}

// Package codes converts instrument identifiers between the producer's
// suffixed form ("600519.XSHG", "000001.SZ") and the bare numeric form the
// gateway expects ("600519").
package codes

import (
	"fmt"
	"strings"
)

// separators that introduce a market suffix
const separators = "._- "

// Normalize strips everything from the first separator onward. It is
// idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexAny(code, separators); i >= 0 {
		code = code[:i]
	}
	return strings.TrimSpace(code)
}

// NormalizeAny coerces a non-string identifier (ints from a loosely typed
// source, fmt.Stringers) to its string form before normalizing.
func NormalizeAny(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return Normalize(c)
	case fmt.Stringer:
		return Normalize(c.String())
	default:
		return Normalize(fmt.Sprint(c))
	}
}

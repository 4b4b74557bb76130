// Package stringutil provides small string helpers shared across packages.
package stringutil

// Clip returns s shortened to at most max bytes. Truncation is byte-wise:
// values clipped on both sides of a comparison stay equal even when the cut
// lands inside a multi-byte rune.
func Clip(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}

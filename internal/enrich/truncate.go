package enrich

import "unicode/utf8"

// TruncateBytes cuts s to at most limit bytes without splitting a rune.
func TruncateBytes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

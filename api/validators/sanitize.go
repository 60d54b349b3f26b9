package validators

import "strings"

// SanitizeString trims input and caps it at maxLen runes so operator notes
// in Turkish are never cut mid character.
func SanitizeString(input string, maxLen int) string {
	trimmed := strings.TrimSpace(input)
	if maxLen <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) > maxLen {
		return string(runes[:maxLen])
	}
	return trimmed
}

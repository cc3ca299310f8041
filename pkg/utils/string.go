package utils

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var scriptPattern = regexp.MustCompile(`(?i)script`)

// SanitizeString removes control characters and surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// SanitizeChatMessage strips angle brackets and the word "script", trims and
// cuts the text to maxRunes. ok is false when nothing is left.
func SanitizeChatMessage(msg string, maxRunes int) (string, bool) {
	cleaned := strings.NewReplacer("<", "", ">", "").Replace(msg)
	cleaned = scriptPattern.ReplaceAllString(cleaned, "")
	cleaned = TruncateRunes(SanitizeString(cleaned), maxRunes)
	return cleaned, cleaned != ""
}

// TruncateRunes cuts s to at most maxRunes runes.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes < 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes])
}

// IsEmpty checks if string is empty or only whitespace
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// SanitizeURL defangs a URL for safe logging so it cannot be clicked
// from a log viewer: every '.' becomes '[.]'.
func SanitizeURL(url string) string {
	return strings.ReplaceAll(url, ".", "[.]")
}

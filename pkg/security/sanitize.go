package security

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

var (
	// SQL injection patterns (in addition to using parameterized queries)
	sqlInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(union\s+select|insert\s+into|delete\s+from|drop\s+table|update\s+.*set)`),
		regexp.MustCompile(`(?i)(exec\s*\(|execute\s*\(|script\s*>|javascript:)`),
	}

	// XSS patterns
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?i)<iframe[^>]*>.*?</iframe>`),
		regexp.MustCompile(`(?i)on\w+\s*=`), // onclick, onload, etc.
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)<embed[^>]*>`),
		regexp.MustCompile(`(?i)<object[^>]*>`),
	}
)

// SanitizeString removes potentially dangerous characters and patterns from input
func SanitizeString(input string) string {
	// Trim whitespace
	input = strings.TrimSpace(input)

	// Remove null bytes
	input = strings.ReplaceAll(input, "\x00", "")

	// Remove control characters except newlines and tabs
	input = removeControlCharacters(input)

	return input
}

// SanitizeHTML sanitizes HTML input by encoding special characters
func SanitizeHTML(input string) string {
	// HTML encode the entire string
	return html.EscapeString(input)
}

// SanitizeForSQL sanitizes input for SQL (note: always use parameterized queries!)
// This is a defense-in-depth measure, not a replacement for parameterized queries
func SanitizeForSQL(input string) string {
	input = SanitizeString(input)

	// Check for SQL injection patterns
	for _, pattern := range sqlInjectionPatterns {
		if pattern.MatchString(input) {
			input = pattern.ReplaceAllString(input, "")
		}
	}

	return input
}

// SanitizeForXSS removes XSS attack vectors
func SanitizeForXSS(input string) string {
	// First, sanitize basic input
	input = SanitizeString(input)

	// Remove XSS patterns
	for _, pattern := range xssPatterns {
		input = pattern.ReplaceAllString(input, "")
	}

	// HTML encode the result
	input = html.EscapeString(input)

	return input
}

// SanitizePhone keeps only digits and a leading plus in phone numbers
func SanitizePhone(phone string) string {
	validPhoneChars := regexp.MustCompile(`[^\d+]`)
	return validPhoneChars.ReplaceAllString(phone, "")
}

// StripHTMLTags removes all HTML tags from input
func StripHTMLTags(input string) string {
	htmlTagsRegex := regexp.MustCompile(`<[^>]*>`)
	return htmlTagsRegex.ReplaceAllString(input, "")
}

// removeControlCharacters removes control characters except newlines and tabs
func removeControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		// Keep printable characters, newlines, and tabs
		if unicode.IsPrint(r) || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// TruncateString truncates a string to a maximum length
func TruncateString(input string, maxLength int) string {
	if len(input) <= maxLength {
		return input
	}
	return input[:maxLength]
}

// NormalizeWhitespace normalizes whitespace in a string
func NormalizeWhitespace(input string) string {
	// Replace multiple spaces with single space
	whitespaceRegex := regexp.MustCompile(`\s+`)
	input = whitespaceRegex.ReplaceAllString(input, " ")

	// Trim leading/trailing whitespace
	return strings.TrimSpace(input)
}

// ContainsSQLInjection checks if input contains potential SQL injection patterns
func ContainsSQLInjection(input string) bool {
	for _, pattern := range sqlInjectionPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// ContainsXSS checks if input contains potential XSS patterns
func ContainsXSS(input string) bool {
	for _, pattern := range xssPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// SanitizeInput is a general-purpose sanitizer for free-text input
func SanitizeInput(input string, maxLength int) string {
	input = SanitizeString(input)
	input = SanitizeForXSS(input)
	input = SanitizeForSQL(input)
	input = NormalizeWhitespace(input)
	if maxLength > 0 {
		input = TruncateString(input, maxLength)
	}
	return input
}

// SubmissionInput holds the free-text fields of a job submission. Bookings
// arrive from voice transcription and WhatsApp relays, so every text field
// is treated as hostile until scrubbed.
type SubmissionInput struct {
	Pickup     string
	Dropoff    string
	CallerName string
	Phone      string
	Notes      string
}

// Sanitize scrubs all fields in SubmissionInput
func (s *SubmissionInput) Sanitize() {
	s.Pickup = SanitizeInput(s.Pickup, 500)
	s.Dropoff = SanitizeInput(s.Dropoff, 500)
	s.CallerName = SanitizeInput(s.CallerName, 200)
	s.Phone = SanitizePhone(s.Phone)
	s.Notes = SanitizeInput(s.Notes, 1000)
}

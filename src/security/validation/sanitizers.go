package validation

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

var strictHTMLPolicy *bluemonday.Policy

func init() {
	strictHTMLPolicy = bluemonday.StrictPolicy()
}

// SanitizeText removes all HTML tags and attributes from an input string.
func SanitizeText(s string) string {
	return strictHTMLPolicy.Sanitize(s)
}

// StripUnprintable removes non-printable characters, allowing common whitespace
// like space, tab, newline, and carriage return.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1
	}, s)
}

// CleanCell normalizes one raw spreadsheet cell: surrounding whitespace and
// quote characters are removed, markup is stripped and the result is made
// printable. bluemonday escapes '&', so entities are turned back into text.
func CleanCell(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `'"`)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<>&") {
		s = unescapeBasicEntities(SanitizeText(s))
	}
	return strings.TrimSpace(StripUnprintable(s))
}

var entityReplacer = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&#39;", "'", "&#34;", `"`, "&quot;", `"`)

func unescapeBasicEntities(s string) string {
	return entityReplacer.Replace(s)
}

// CollapseWhitespace folds every run of whitespace into a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

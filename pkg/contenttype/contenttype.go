// Package contenttype classifies MIME content types for the store and the
// body search paths. The classification is shared so both agree on which
// bodies are searchable text and which parse as JSON.
package contenttype

import "strings"

var textExact = map[string]bool{
	"application/json":                  true,
	"application/xml":                   true,
	"application/javascript":            true,
	"application/x-www-form-urlencoded": true,
	"application/xhtml+xml":             true,
	"application/ld+json":               true,
	"application/manifest+json":         true,
	"application/x-javascript":          true,
}

var textSuffixes = []string{"+json", "+xml", "+html", "+text"}

var jsonExact = map[string]bool{
	"application/json":          true,
	"application/ld+json":       true,
	"application/manifest+json": true,
}

// Normalize strips parameters from a Content-Type header value and
// lowercases the remaining MIME type.
func Normalize(ct string) string {
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(strings.ToLower(ct))
}

// IsText reports whether bodies of the given content type are searchable
// text. The input may carry parameters; it is normalized first.
func IsText(ct string) bool {
	ct = Normalize(ct)
	if ct == "" {
		return false
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	if textExact[ct] {
		return true
	}
	for _, suffix := range textSuffixes {
		if strings.HasSuffix(ct, suffix) {
			return true
		}
	}
	return false
}

// IsJSON reports whether bodies of the given content type parse as JSON.
func IsJSON(ct string) bool {
	ct = Normalize(ct)
	if ct == "" {
		return false
	}
	return jsonExact[ct] || strings.HasSuffix(ct, "+json")
}

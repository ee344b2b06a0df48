package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// emailPattern is deliberately permissive: syntactic rejection is a
// screening-stage verdict, not an ingest concern. Ingest only needs to find
// the token that is the address.
var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-']+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// ExtractEmail finds the candidate address in one row: the first column is
// tried first, then the remaining fields are scanned for anything
// email-shaped. Returns the normalized address.
func ExtractEmail(fields []string) (string, bool) {
	if len(fields) == 0 {
		return "", false
	}
	if email, ok := Normalize(fields[0]); ok {
		return email, true
	}
	for _, field := range fields[1:] {
		if !strings.ContainsRune(field, '@') {
			continue
		}
		if email, ok := Normalize(field); ok {
			return email, true
		}
	}
	return "", false
}

// Normalize lower-cases, trims, and syntactically screens a raw token.
// Tokens that are not valid UTF-8 are re-decoded as Latin-1 first; exports
// from legacy mail systems routinely carry that encoding.
func Normalize(raw string) (string, bool) {
	if !utf8.ValidString(raw) {
		decoded, _, err := transform.String(charmap.ISO8859_1.NewDecoder(), raw)
		if err != nil {
			return "", false
		}
		raw = decoded
	}

	token := strings.TrimSpace(raw)
	token = strings.Trim(token, `"'<>`)
	token = strings.ToLower(token)
	if token == "" || !strings.ContainsRune(token, '@') {
		return "", false
	}

	// Display-name forms like `bob smith <bob@x.com>` reduce to the
	// email-shaped token inside them.
	match := emailPattern.FindString(token)
	if match == "" {
		return "", false
	}
	return match, true
}

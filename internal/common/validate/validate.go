// Package validate provides identifier and numeric input validation helpers.
package validate

import (
	"strings"

	"github.com/google/uuid"
)

// IsValidID reports whether s is a canonical hex-dashed 128-bit identifier
// (8-4-4-4-12). Other UUID encodings accepted by uuid.Parse (braced, URN,
// undashed) are rejected.
func IsValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// unsafeChannelChars are rejected in channel identifiers before parsing.
// Covers path traversal and HTML injection attempts in URL path segments.
const unsafeChannelChars = `<>"'&\/`

// IsValidChannelID reports whether s is a well-formed channel identifier.
// Strings carrying path-traversal or markup characters are rejected outright
// so they never reach a route or a query.
func IsValidChannelID(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	if strings.ContainsAny(s, unsafeChannelChars) {
		return false
	}
	return IsValidID(s)
}

// SanitizeFilename strips path separators and traversal sequences from an
// uploaded filename, returning a bare base name safe to store.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ReplaceAll(name, "..", "")
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload"
	}
	return name
}

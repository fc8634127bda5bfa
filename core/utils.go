package core

import "strings"

// CleanString strips surrounding whitespace from s. Pass true to also
// lowercase the result, for case-insensitive fields such as emails.
func CleanString(s string, lower ...bool) string {
	s = strings.TrimSpace(s)
	if len(lower) > 0 && lower[0] {
		s = strings.ToLower(s)
	}
	return s
}

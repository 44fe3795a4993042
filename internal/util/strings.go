package util

import "strings"

// TailLines returns the last n non-empty-trailing lines of s.
// Returns s unchanged (minus trailing newlines) when it has n or fewer lines.
func TailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// ShortID truncates an ID to 8 characters for logging
func ShortID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// Package dbtest starts throwaway database containers for integration
// tests and hands out per-test databases that are dropped on cleanup.
package dbtest

import "strings"

// isRetryableStartErr reports whether a container start failure is worth
// another attempt, e.g. a transient port clash or daemon hiccup.
func isRetryableStartErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"port is already allocated",
		"address already in use",
		"i/o timeout",
		"connection reset",
		"EOF",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Package errors scrubs internal detail out of error text before it
// reaches API clients. Adapter and store errors routinely carry backend
// addresses, file paths, and connection strings that must not leave
// the process.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	pathPattern = regexp.MustCompile(`/[a-zA-Z0-9_\-./]+`)
	addrPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`)
	credPattern = regexp.MustCompile(`(?i)(password|secret|token|sasl|api[_-]?key)\s*[=:]\s*\S+`)
)

// Sanitize returns an error safe to serialize toward a client. A nil
// error stays nil.
func Sanitize(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString masks paths, network addresses, and credential
// fragments while keeping enough shape to act on.
func SanitizeString(s string) string {
	if credPattern.MatchString(s) {
		return "backend operation failed"
	}

	s = pathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})
	s = addrPattern.ReplaceAllStringFunc(s, func(match string) string {
		host, _, found := strings.Cut(match, ":")
		octets := strings.Split(host, ".")
		if len(octets) != 4 {
			return "x.x.x.x"
		}
		masked := fmt.Sprintf("%s.%s.x.x", octets[0], octets[1])
		if found {
			masked += ":*"
		}
		return masked
	})

	// Multi-line dumps say more about the process than the failure.
	if strings.Count(s, "\n") > 3 {
		return "internal operation failed"
	}
	return s
}

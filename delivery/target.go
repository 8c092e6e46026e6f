package delivery

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultServer is appended to bare phone-style targets.
const DefaultServer = "s.link"

var (
	userPattern   = regexp.MustCompile(`^[0-9]{5,20}$`)
	serverPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
)

// NormalizeTarget turns "+1 (555) 123-4567", "555.1234" or "5551234@s.link"
// into "<digits>@<server>". server is used when raw has no "@" part.
func NormalizeTarget(raw, server string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	user := s
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		user = s[:i]
		server = s[i+1:]
	}
	server = strings.ToLower(strings.TrimSpace(server))

	user = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || strings.ContainsRune("-().", r) {
			return -1
		}
		return r
	}, user)
	user = strings.TrimPrefix(user, "+")

	if !userPattern.MatchString(user) {
		return "", fmt.Errorf("%w: %q is not a 5-20 digit address", ErrInvalidTarget, raw)
	}
	if !serverPattern.MatchString(server) {
		return "", fmt.Errorf("%w: bad server %q", ErrInvalidTarget, server)
	}
	return user + "@" + server, nil
}

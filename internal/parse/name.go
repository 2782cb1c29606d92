package parse

import (
	"fmt"
	"regexp"
	"strings"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// MaxNameLength bounds workspace and owner names. ZFS caps a full dataset
// path at 255 bytes, and both end up as path components.
const MaxNameLength = 64

// Name validates a workspace name. Names become a dataset path component, so
// path separators, '@' (snapshot syntax) and leading dots or dashes are refused.
func Name(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("workspace name is empty")
	}
	if len(s) > MaxNameLength {
		return "", fmt.Errorf("workspace name %q is longer than %d characters", s, MaxNameLength)
	}
	if !nameRe.MatchString(s) {
		return "", fmt.Errorf("workspace name %q may only contain letters, digits, '.', '_' and '-' and must start with a letter or digit", s)
	}
	return s, nil
}

// Owner validates a user name used as the owner path component.
func Owner(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("owner is empty")
	}
	if len(s) > MaxNameLength || !nameRe.MatchString(s) {
		return "", fmt.Errorf("owner %q is not a valid user name", s)
	}
	return s, nil
}

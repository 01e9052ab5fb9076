package oidc

import (
	"errors"
	"fmt"
	"strings"
)

// SourceName identifies identities asserted by the identity provider.
const SourceName = "federated"

var (
	// ErrBadRequest covers rejected callbacks: provider errors, bad state
	// and unusable claims.
	ErrBadRequest = errors.New("invalid authorization response")
	// ErrForbidden is returned when a required claim does not match.
	ErrForbidden = errors.New("identity does not satisfy required claims")
	// ErrUnavailable is returned when the provider cannot be reached.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Claims is the decoded userinfo or id_token payload.
type Claims map[string]any

// String returns claim name as a string. Non-string scalars are formatted.
func (c Claims) String(name string) string {
	switch v := c[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool, int, int64:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// Matches reports whether claim name equals want, or contains it when the
// claim is a list.
func (c Claims) Matches(name, want string) bool {
	switch v := c[name].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
		return false
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
		return false
	default:
		return c[name] != nil && c.String(name) == want
	}
}

// FirstOf returns the first non-blank value among the comma separated
// claim names.
func (c Claims) FirstOf(names string) string {
	for _, n := range strings.Split(names, ",") {
		if v := strings.TrimSpace(c.String(strings.TrimSpace(n))); v != "" {
			return v
		}
	}
	return ""
}

// Package redirect decides where a user lands after authentication.
package redirect

import (
	"net/url"
	"strings"

	"github.com/tutorlink/portal/internal/auth"
)

const (
	PathHome            = "/"
	PathAdmin           = "/admin"
	PathTeacherHome     = "/teacher/dashboard"
	PathParentHome      = "/parent/dashboard"
	PathSignup          = "/signup"
	PathAuthCodeError   = "/auth/auth-code-error"
	queryApplicationID  = "applicationId"
	queryEmail          = "email"
	maxRequestedPathLen = 512
)

var allowedDestinations = map[string]struct{}{
	PathHome:          {},
	PathAdmin:         {},
	PathTeacherHome:   {},
	PathParentHome:    {},
	PathSignup:        {},
	PathAuthCodeError: {},
}

// Decision holds the facts the post-login destination depends on.
type Decision struct {
	Failed              bool
	Role                auth.Role
	Email               string
	LinkedApplicationID string
	PasswordSet         bool
	RequestedRedirect   string
}

// Resolve returns the destination for the decision. The first matching rule wins:
// failure, linked application, missing password, role home, allowed requested path, home.
// The result is always one of the allow-listed paths, optionally with a query string.
func Resolve(decision Decision) string {
	if decision.Failed {
		return PathAuthCodeError
	}
	if applicationID := strings.TrimSpace(decision.LinkedApplicationID); applicationID != "" {
		query := url.Values{}
		query.Set(queryApplicationID, applicationID)
		query.Set(queryEmail, auth.NormalizeEmail(decision.Email))
		return PathSignup + "?" + query.Encode()
	}
	if !decision.PasswordSet {
		query := url.Values{}
		query.Set(queryEmail, auth.NormalizeEmail(decision.Email))
		return PathSignup + "?" + query.Encode()
	}
	if home, ok := RoleHome(decision.Role); ok {
		return home
	}
	if IsAllowed(decision.RequestedRedirect) {
		return decision.RequestedRedirect
	}
	return PathHome
}

// RoleHome returns the landing page for a role.
func RoleHome(role auth.Role) (string, bool) {
	switch role {
	case auth.RoleAdmin:
		return PathAdmin, true
	case auth.RoleTeacher:
		return PathTeacherHome, true
	case auth.RoleParent:
		return PathParentHome, true
	default:
		return "", false
	}
}

// IsAllowed reports whether a requested redirect is an allow-listed same-origin path.
func IsAllowed(requested string) bool {
	if requested == "" || len(requested) > maxRequestedPathLen {
		return false
	}
	if !strings.HasPrefix(requested, "/") || strings.HasPrefix(requested, "//") || strings.ContainsAny(requested, "\\\r\n\t") {
		return false
	}
	_, ok := allowedDestinations[requested]
	return ok
}

// SanitizeRequested returns the requested path when allowed and an empty string otherwise.
func SanitizeRequested(requested string) string {
	if IsAllowed(requested) {
		return requested
	}
	return ""
}

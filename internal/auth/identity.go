package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role enumerates the application areas a profile can access.
type Role string

const (
	// RoleAdmin manages applications, leads and assignments.
	RoleAdmin Role = "admin"
	// RoleTeacher receives lead assignments.
	RoleTeacher Role = "teacher"
	// RoleParent submits leads for their children.
	RoleParent Role = "parent"
)

// DefaultRole is assigned when identity metadata carries no role.
const DefaultRole = RoleTeacher

var (
	// ErrInvalidRole indicates a role value outside the supported set.
	ErrInvalidRole = errors.New("auth: invalid role")
	// ErrInvalidIdentity indicates that claims lack a subject or email.
	ErrInvalidIdentity = errors.New("auth: invalid identity")
)

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleTeacher:
		return RoleTeacher, nil
	case RoleParent:
		return RoleParent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the underlying role name.
func (r Role) String() string {
	return string(r)
}

// IdentityMetadata is the typed view of the provider's user metadata.
type IdentityMetadata struct {
	RoleName      string
	ApplicationID string
	PasswordSet   bool
	FullName      string
}

// ResolveRole returns the metadata role, reporting whether the default was applied.
// A non-empty value that is not a known role is an error rather than a silent default.
func (m IdentityMetadata) ResolveRole() (Role, bool, error) {
	if strings.TrimSpace(m.RoleName) == "" {
		return DefaultRole, true, nil
	}
	role, err := ParseRole(m.RoleName)
	if err != nil {
		return "", false, err
	}
	return role, false, nil
}

// Identity is the authenticated principal issued by the identity provider.
type Identity struct {
	ID       string
	Email    string
	Metadata IdentityMetadata
}

// NormalizeEmail lower-cases and trims an email address for comparisons and storage.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

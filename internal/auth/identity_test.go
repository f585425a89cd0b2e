package auth

import (
	"errors"
	"testing"
)

func TestIdentityMetadataResolveRole(t *testing.T) {
	testCases := []struct {
		name          string
		raw           string
		expectedRole  Role
		expectDefault bool
		expectErr     bool
	}{
		{name: "missing role defaults to teacher", raw: "", expectedRole: RoleTeacher, expectDefault: true},
		{name: "whitespace role defaults to teacher", raw: "  ", expectedRole: RoleTeacher, expectDefault: true},
		{name: "admin", raw: "admin", expectedRole: RoleAdmin},
		{name: "case insensitive parent", raw: "Parent", expectedRole: RoleParent},
		{name: "unknown role rejected", raw: "superuser", expectErr: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			role, defaulted, err := IdentityMetadata{RoleName: testCase.raw}.ResolveRole()
			if testCase.expectErr {
				if !errors.Is(err, ErrInvalidRole) {
					t.Fatalf("expected invalid role error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if role != testCase.expectedRole || defaulted != testCase.expectDefault {
				t.Fatalf("got role=%s defaulted=%v", role, defaulted)
			}
		})
	}
}

package redirect

import (
	"net/url"
	"strings"
	"testing"

	"github.com/tutorlink/portal/internal/auth"
)

func TestResolveDecisionTable(t *testing.T) {
	testCases := []struct {
		name     string
		decision Decision
		expected string
	}{
		{
			name:     "failure wins over everything",
			decision: Decision{Failed: true, Role: auth.RoleAdmin, PasswordSet: true, LinkedApplicationID: "app-1"},
			expected: PathAuthCodeError,
		},
		{
			name:     "admin with password",
			decision: Decision{Role: auth.RoleAdmin, PasswordSet: true, Email: "boss@example.com"},
			expected: "/admin",
		},
		{
			name:     "teacher with password",
			decision: Decision{Role: auth.RoleTeacher, PasswordSet: true},
			expected: "/teacher/dashboard",
		},
		{
			name:     "parent with password ignores requested path",
			decision: Decision{Role: auth.RoleParent, PasswordSet: true, RequestedRedirect: "/admin"},
			expected: "/parent/dashboard",
		},
		{
			name:     "password not set",
			decision: Decision{Role: auth.RoleTeacher, Email: "Teacher@Example.com"},
			expected: "/signup?email=teacher%40example.com",
		},
		{
			name:     "linked application",
			decision: Decision{Role: auth.RoleParent, PasswordSet: true, Email: "p@example.com", LinkedApplicationID: "app-7"},
			expected: "/signup?applicationId=app-7&email=p%40example.com",
		},
		{
			name:     "unknown role uses allowed requested path",
			decision: Decision{PasswordSet: true, RequestedRedirect: "/signup"},
			expected: "/signup",
		},
		{
			name:     "unknown role with foreign requested path",
			decision: Decision{PasswordSet: true, RequestedRedirect: "https://evil.example.com"},
			expected: "/",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Resolve(testCase.decision); got != testCase.expected {
				t.Fatalf("Resolve() = %q, want %q", got, testCase.expected)
			}
		})
	}
}

func TestResolveNeverLeavesAllowList(t *testing.T) {
	hostile := []string{
		"",
		"https://evil.example.com/admin",
		"//evil.example.com",
		"/\\evil.example.com",
		"\\\\evil.example.com",
		"javascript:alert(1)",
		"/admin/../../etc",
		"/admin?next=https://evil.example.com",
		"/teacher/dashboard\r\nLocation: https://evil.example.com",
		"admin",
		"/ADMIN",
		"/auth/auth-code-error",
		"/signup",
	}
	roles := []auth.Role{"", auth.RoleAdmin, auth.RoleTeacher, auth.RoleParent, "owner"}

	for _, requested := range hostile {
		for _, role := range roles {
			for _, failed := range []bool{false, true} {
				for _, passwordSet := range []bool{false, true} {
					for _, linked := range []string{"", "app-1"} {
						destination := Resolve(Decision{
							Failed:              failed,
							Role:                role,
							Email:               "user@example.com",
							LinkedApplicationID: linked,
							PasswordSet:         passwordSet,
							RequestedRedirect:   requested,
						})
						path := destination
						if index := strings.IndexByte(path, '?'); index >= 0 {
							path = path[:index]
						}
						if _, ok := allowedDestinations[path]; !ok {
							t.Fatalf("destination %q for requested %q left the allow-list", destination, requested)
						}
					}
				}
			}
		}
	}
}

func TestResolveLinkedApplicationAlwaysTargetsSignup(t *testing.T) {
	for _, role := range []auth.Role{auth.RoleAdmin, auth.RoleTeacher, auth.RoleParent, ""} {
		for _, passwordSet := range []bool{false, true} {
			destination := Resolve(Decision{Role: role, PasswordSet: passwordSet, Email: "a@x.com", LinkedApplicationID: "app-42"})
			parsed, err := url.Parse(destination)
			if err != nil {
				t.Fatalf("unparseable destination %q: %v", destination, err)
			}
			if parsed.Path != PathSignup || parsed.Query().Get("applicationId") != "app-42" {
				t.Fatalf("unexpected destination %q", destination)
			}
		}
	}
}

func TestIsAllowed(t *testing.T) {
	allowed := []string{"/", "/admin", "/teacher/dashboard", "/parent/dashboard", "/signup", "/auth/auth-code-error"}
	for _, path := range allowed {
		if !IsAllowed(path) {
			t.Fatalf("expected %q to be allowed", path)
		}
	}
	rejected := []string{"", "//admin", "/admin/parents", "http://localhost/admin", "/\\admin"}
	for _, path := range rejected {
		if IsAllowed(path) {
			t.Fatalf("expected %q to be rejected", path)
		}
	}
}

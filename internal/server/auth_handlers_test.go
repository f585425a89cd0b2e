package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func freshSession(subject, email string, role auth.Role, passwordSet bool) auth.Session {
	return auth.Session{
		AccessToken:  "access-" + subject,
		RefreshToken: "refresh-" + subject,
		ExpiresAt:    time.Now().Add(time.Hour),
		Identity: auth.Identity{
			ID:    subject,
			Email: email,
			Metadata: auth.IdentityMetadata{
				RoleName:    string(role),
				PasswordSet: passwordSet,
			},
		},
		Fresh: true,
	}
}

func TestCallbackSendsNewTeacherToSignup(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.exchanger.session = freshSession("teacher-1", "teacher@example.com", auth.RoleTeacher, false)
	fixture.exchanger.err = nil

	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=abc", "", "")

	assertLocation(t, recorder, http.StatusFound, "/signup?email=teacher%40example.com")
	access := findCookie(recorder, testAccessCookie)
	if access == nil || access.Value != "access-teacher-1" || !access.HttpOnly {
		t.Fatalf("expected http-only access cookie, got %+v", access)
	}
	if refresh := findCookie(recorder, testRefreshCookie); refresh == nil || refresh.Value != "refresh-teacher-1" {
		t.Fatalf("expected refresh cookie, got %+v", refresh)
	}
	profile, err := fixture.profiles.FindProfile(context.Background(), "teacher-1")
	if err != nil {
		t.Fatalf("expected reconciled profile: %v", err)
	}
	if profile.Role != auth.RoleTeacher {
		t.Fatalf("unexpected role %q", profile.Role)
	}
}

func TestCallbackSendsAdminHome(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.exchanger.session = freshSession("admin-1", "admin@example.com", auth.RoleAdmin, true)
	fixture.exchanger.err = nil

	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=abc&redirectTo=/parent/dashboard", "", "")

	assertLocation(t, recorder, http.StatusFound, "/admin")
	if findCookie(recorder, testAccessCookie) == nil {
		t.Fatalf("expected session cookie on fresh exchange")
	}
}

func TestCallbackReusedSessionWritesNoCookies(t *testing.T) {
	fixture := newServerFixture(t, nil)
	session := freshSession("parent-1", "parent@example.com", auth.RoleParent, true)
	session.Fresh = false
	fixture.exchanger.session = session
	fixture.exchanger.err = nil

	recorder := fixture.do(t, http.MethodGet, "/auth/callback", "", "")

	assertLocation(t, recorder, http.StatusFound, "/parent/dashboard")
	if findCookie(recorder, testAccessCookie) != nil {
		t.Fatalf("existing sessions must not be rewritten")
	}
}

func TestCallbackExchangeFailureLandsOnErrorPage(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=consumed", "", "")

	assertLocation(t, recorder, http.StatusFound, "/auth/auth-code-error")
	if _, err := fixture.profiles.FindProfile(context.Background(), "anyone"); !errors.Is(err, users.ErrProfileNotFound) {
		t.Fatalf("expected no profile to be written, got %v", err)
	}
}

func TestCallbackInvalidRoleLandsOnErrorPage(t *testing.T) {
	fixture := newServerFixture(t, nil)
	fixture.exchanger.session = freshSession("user-1", "user@example.com", auth.Role("owner"), true)
	fixture.exchanger.err = nil

	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=abc", "", "")

	assertLocation(t, recorder, http.StatusFound, "/auth/auth-code-error")
}

func TestCallbackLinksLatestApplicationByEmail(t *testing.T) {
	fixture := newServerFixture(t, nil)
	application, err := fixture.applications.Create(context.Background(), applications.Submission{
		Kind:     applications.KindParent,
		Email:    "Parent@Example.com",
		FullName: "Pat Parent",
	})
	if err != nil {
		t.Fatalf("failed to create application: %v", err)
	}
	fixture.exchanger.session = freshSession("parent-1", "parent@example.com", auth.RoleParent, true)
	fixture.exchanger.err = nil

	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=abc", "", "")

	want := "/signup?applicationId=" + url.QueryEscape(application.ID) + "&email=parent%40example.com"
	assertLocation(t, recorder, http.StatusFound, want)
}

func TestCallbackLinkageFailureFailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fixture := newServerFixture(t, zap.New(core), func(deps *Dependencies) {
		deps.Linkage = failingLinkage{}
	})
	fixture.exchanger.session = freshSession("teacher-2", "t2@example.com", auth.RoleTeacher, true)
	fixture.exchanger.err = nil

	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=abc&applicationId=app-1", "", "")

	assertLocation(t, recorder, http.StatusFound, "/teacher/dashboard")
	entries := logs.FilterMessage("application linkage lookup failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one linkage warning, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[0].Level)
	}
}

func TestCallbackRejectsMismatchedState(t *testing.T) {
	fixture := newServerFixture(t, nil)

	request := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state=forged", http.NoBody)
	request.AddCookie(&http.Cookie{Name: auth.StateCookieName, Value: "different"})
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	assertLocation(t, recorder, http.StatusFound, "/auth/auth-code-error")
	if len(fixture.exchanger.codes) != 1 || fixture.exchanger.codes[0] != "" {
		t.Fatalf("the code must not be exchanged when state is rejected, got %q", fixture.exchanger.codes)
	}
}

type consumedCodeExchanger struct {
	calls int
}

func (e *consumedCodeExchanger) ExchangeCode(context.Context, string, string) (auth.TokenSet, error) {
	e.calls++
	return auth.TokenSet{}, errors.New("authorization code already used")
}

func TestCallbackReplayWithStaleStateUsesExistingSession(t *testing.T) {
	codes := &consumedCodeExchanger{}
	fixture := newServerFixture(t, nil, func(deps *Dependencies) {
		sessions := deps.Sessions.(*stubSessions)
		exchanger, err := auth.NewSessionExchanger(zap.NewNop(),
			auth.CodeExchangeStrategy{Exchanger: codes, Validator: sessions},
			auth.ExistingSessionStrategy{Validator: sessions, CookieName: testAccessCookie},
		)
		if err != nil {
			t.Fatalf("failed to build exchanger: %v", err)
		}
		deps.Exchanger = exchanger
	})
	token := fixture.signIn(t, "admin-1", "admin@example.com", auth.RoleAdmin)

	// The first callback cleared the state cookie, so the replay carries only the query state.
	recorder := fixture.do(t, http.MethodGet, "/auth/callback?code=abc&state=stale-state", token, "")

	assertLocation(t, recorder, http.StatusFound, "/admin")
	if codes.calls != 0 {
		t.Fatalf("the code must not be exchanged without a matching state, got %d attempts", codes.calls)
	}
	if findCookie(recorder, testAccessCookie) != nil {
		t.Fatalf("an existing session must not be rewritten")
	}
}

func TestLoginRoundTripCarriesHints(t *testing.T) {
	fixture := newServerFixture(t, nil)

	login := fixture.do(t, http.MethodGet, "/auth/login?redirectTo=/signup&applicationId=app-9", "", "")
	if login.Code != http.StatusFound {
		t.Fatalf("unexpected login status %d", login.Code)
	}
	location, err := url.Parse(login.Header().Get("Location"))
	if err != nil || location.Host != "id.example.com" {
		t.Fatalf("expected provider redirect, got %q", login.Header().Get("Location"))
	}
	state := location.Query().Get("state")
	if state == "" || location.Query().Get("code_challenge") == "" {
		t.Fatalf("expected state and challenge in %q", location.String())
	}
	stateCookie := findCookie(login, auth.StateCookieName)
	if stateCookie == nil || stateCookie.Value != state {
		t.Fatalf("expected state cookie matching the url state")
	}
	if findCookie(login, auth.PKCECookieName) == nil {
		t.Fatalf("expected pkce cookie")
	}

	application, err := fixture.applications.Create(context.Background(), applications.Submission{
		Kind:  applications.KindTeacher,
		Email: "tina@example.com",
	})
	if err != nil {
		t.Fatalf("failed to create application: %v", err)
	}
	fixture.exchanger.session = freshSession("teacher-3", "tina@example.com", auth.RoleTeacher, true)
	fixture.exchanger.err = nil

	request := httptest.NewRequest(http.MethodGet, "/auth/callback?code=abc&state="+url.QueryEscape(state), http.NoBody)
	request.AddCookie(stateCookie)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	// The state names app-9, which does not exist, so the email fallback links the real application.
	want := "/signup?applicationId=" + url.QueryEscape(application.ID) + "&email=tina%40example.com"
	assertLocation(t, recorder, http.StatusFound, want)
	if cleared := findCookie(recorder, auth.StateCookieName); cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected state cookie to be cleared, got %+v", cleared)
	}
}

func TestSessionEndpointReportsDestination(t *testing.T) {
	fixture := newServerFixture(t, nil)
	token := fixture.signIn(t, "parent-1", "parent@example.com", auth.RoleParent)

	var anonymous sessionStatusResponse
	recorder := fixture.do(t, http.MethodGet, "/auth/session", "", "")
	if err := json.Unmarshal(recorder.Body.Bytes(), &anonymous); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if anonymous.Authenticated || anonymous.Destination != "/auth/auth-code-error" {
		t.Fatalf("unexpected anonymous status %+v", anonymous)
	}

	var signedIn sessionStatusResponse
	recorder = fixture.do(t, http.MethodGet, "/auth/session", token, "")
	if err := json.Unmarshal(recorder.Body.Bytes(), &signedIn); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !signedIn.Authenticated || signedIn.Destination != "/parent/dashboard" {
		t.Fatalf("unexpected session status %+v", signedIn)
	}
}

func TestAuthCodeErrorPageRechecksSession(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(t, http.MethodGet, "/auth/auth-code-error", "", "")

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `fetch("/auth/session"`) {
		t.Fatalf("expected the page to re-check the session")
	}
}

func TestMagicLinkCarriesApplicationID(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/auth/magic-link", "", `{"email":"Parent@Example.com","applicationId":"app-1","redirectTo":"https://evil.example.com"}`)

	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(fixture.provider.magicLinks) != 1 {
		t.Fatalf("expected one magic link request")
	}
	sent := fixture.provider.magicLinks[0]
	if sent.RedirectURL != testAppBaseURL+"/auth/callback?applicationId=app-1" {
		t.Fatalf("unexpected redirect url %q", sent.RedirectURL)
	}
	if sent.Metadata.ApplicationID != "app-1" {
		t.Fatalf("expected application id metadata, got %+v", sent.Metadata)
	}
}

func TestLogoutClearsSessionCookies(t *testing.T) {
	fixture := newServerFixture(t, nil)

	recorder := fixture.do(t, http.MethodPost, "/auth/logout", "", "")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	for _, name := range []string{testAccessCookie, testRefreshCookie} {
		if cookie := findCookie(recorder, name); cookie == nil || cookie.MaxAge >= 0 {
			t.Fatalf("expected %s to be cleared, got %+v", name, cookie)
		}
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/database"
	"github.com/tutorlink/portal/internal/matching"
	"github.com/tutorlink/portal/internal/notifications"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testAccessCookie  = "tl_access"
	testRefreshCookie = "tl_refresh"
	testAppBaseURL    = "https://portal.example.com"
)

type stubSessions struct {
	mu     sync.Mutex
	claims map[string]auth.SessionClaims
}

func (s *stubSessions) add(token string, claims auth.SessionClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[token] = claims
}

func (s *stubSessions) ValidateToken(_ context.Context, token string) (auth.SessionClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, ok := s.claims[token]
	if !ok {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return claims, nil
}

func (s *stubSessions) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	cookie, err := r.Cookie(testAccessCookie)
	if err != nil {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, ok := s.claims[cookie.Value]
	if !ok {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return claims, nil
}

type stubExchanger struct {
	session auth.Session
	err     error
	calls   int
	codes   []string
}

func (s *stubExchanger) Exchange(r *http.Request) (auth.Session, error) {
	s.calls++
	s.codes = append(s.codes, r.URL.Query().Get("code"))
	return s.session, s.err
}

type stubLogin struct{}

func (stubLogin) AuthCodeURL(state string, codeChallenge string) string {
	return "https://id.example.com/authorize?state=" + state + "&code_challenge=" + codeChallenge
}

type stubProvider struct {
	mu         sync.Mutex
	magicLinks []auth.MagicLinkRequest
	updates    []auth.UserUpdate
	tokens     []string
	magicErr   error
	updateErr  error
}

func (p *stubProvider) SendMagicLink(_ context.Context, request auth.MagicLinkRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.magicLinks = append(p.magicLinks, request)
	return p.magicErr
}

func (p *stubProvider) UpdateUser(_ context.Context, accessToken string, update auth.UserUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, accessToken)
	p.updates = append(p.updates, update)
	return p.updateErr
}

type failingLinkage struct{}

func (failingLinkage) Resolve(_ context.Context, _ auth.Identity, _ string) (applications.Linkage, error) {
	return applications.Linkage{}, applications.ErrLinkageLookupFailed
}

type serverFixture struct {
	handler      http.Handler
	db           *gorm.DB
	sessions     *stubSessions
	exchanger    *stubExchanger
	provider     *stubProvider
	profiles     *users.Service
	applications *applications.Store
	matching     *matching.Service
	dispatcher   *notifications.Dispatcher
}

func newServerFixture(t *testing.T, logger *zap.Logger, overrides ...func(*Dependencies)) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create profile service: %v", err)
	}
	store, err := applications.NewStore(applications.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create application store: %v", err)
	}
	dispatcher := notifications.NewDispatcher()
	matchingService, err := matching.NewService(matching.ServiceConfig{
		Database:     db,
		Directory:    profiles,
		Applications: store,
		Publisher:    dispatcher,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("failed to create matching service: %v", err)
	}
	states, err := auth.NewStateIssuer(auth.StateIssuerConfig{SigningSecret: []byte("state-secret"), TTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create state issuer: %v", err)
	}

	fixture := &serverFixture{
		db:           db,
		sessions:     &stubSessions{claims: map[string]auth.SessionClaims{}},
		exchanger:    &stubExchanger{err: auth.ErrAuthenticationFailed},
		provider:     &stubProvider{},
		profiles:     profiles,
		applications: store,
		matching:     matchingService,
		dispatcher:   dispatcher,
	}
	deps := Dependencies{
		AppBaseURL:        testAppBaseURL,
		Exchanger:         fixture.exchanger,
		Sessions:          fixture.sessions,
		Login:             stubLogin{},
		States:            states,
		Provider:          fixture.provider,
		Cookies:           auth.CookieWriter{AccessName: testAccessCookie, RefreshName: testRefreshCookie},
		Profiles:          profiles,
		Applications:      store,
		Linkage:           applications.NewLinkageResolver(store),
		Matching:          matchingService,
		Notifications:     dispatcher,
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	}
	for _, override := range overrides {
		override(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func testClaims(subject, email string, role auth.Role, passwordSet bool) auth.SessionClaims {
	return auth.SessionClaims{
		Email: email,
		UserMetadata: auth.UserMetadataClaims{
			Role:        string(role),
			PasswordSet: passwordSet,
		},
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
}

// signIn registers a session token for the user and creates the user's profile.
func (f *serverFixture) signIn(t *testing.T, subject, email string, role auth.Role) string {
	t.Helper()
	claims := testClaims(subject, email, role, true)
	identity, err := claims.Identity()
	if err != nil {
		t.Fatalf("invalid test identity: %v", err)
	}
	if _, err := f.profiles.Reconcile(context.Background(), identity); err != nil {
		t.Fatalf("failed to reconcile %s: %v", subject, err)
	}
	token := "token-" + subject
	f.sessions.add(token, claims)
	return token
}

func (f *serverFixture) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.AddCookie(&http.Cookie{Name: testAccessCookie, Value: token})
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func findCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func assertLocation(t *testing.T, recorder *httptest.ResponseRecorder, status int, location string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("unexpected status: got %d, want %d (body %s)", recorder.Code, status, recorder.Body.String())
	}
	if got := recorder.Header().Get("Location"); got != location {
		t.Fatalf("unexpected location: got %q, want %q", got, location)
	}
}

var errStorageUnavailable = errors.New("storage unavailable")

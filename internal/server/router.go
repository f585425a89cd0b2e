package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/matching"
	"github.com/tutorlink/portal/internal/notifications"
	"github.com/tutorlink/portal/internal/ratelimit"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
)

const (
	identityContextKey    = "tutorlink_identity"
	profileContextKey     = "tutorlink_profile"
	accessTokenContextKey = "tutorlink_access_token"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingExchanger  = errors.New("session exchanger dependency required")
	errMissingSessions   = errors.New("session reader dependency required")
	errMissingProfiles   = errors.New("profile service dependency required")
	errMissingLinkage    = errors.New("linkage resolver dependency required")
	errMissingMatching   = errors.New("matching service dependency required")
	errMissingLoginFlow  = errors.New("login flow dependencies required")
	errMissingAppBaseURL = errors.New("application base url required")
)

// SessionExchanger turns a callback request into a provider session.
type SessionExchanger interface {
	Exchange(request *http.Request) (auth.Session, error)
}

// SessionReader validates the session cookie of a request.
type SessionReader interface {
	ValidateRequest(request *http.Request) (auth.SessionClaims, error)
}

// LoginStarter builds the provider authorization URL.
type LoginStarter interface {
	AuthCodeURL(state string, codeChallenge string) string
}

// StateCodec signs and verifies the login state round-tripped through the provider.
type StateCodec interface {
	Issue(state auth.LoginState) (string, error)
	Parse(token string) (auth.LoginState, error)
}

// IdentityProvider performs provider-side user operations.
type IdentityProvider interface {
	SendMagicLink(ctx context.Context, request auth.MagicLinkRequest) error
	UpdateUser(ctx context.Context, accessToken string, update auth.UserUpdate) error
}

// ProfileService reconciles and updates profiles.
type ProfileService interface {
	Reconcile(ctx context.Context, identity auth.Identity) (users.Profile, error)
	FindProfile(ctx context.Context, identityID string) (users.Profile, error)
	UpdateContact(ctx context.Context, identityID string, update users.ContactUpdate) (users.Profile, error)
	ListByRole(ctx context.Context, role auth.Role) ([]users.Profile, error)
}

// ApplicationStore persists intake applications.
type ApplicationStore interface {
	Create(ctx context.Context, submission applications.Submission) (applications.ProvisionalApplication, error)
	Claim(ctx context.Context, applicationID string, identity auth.Identity) error
	List(ctx context.Context, filter applications.ListFilter) ([]applications.ProvisionalApplication, error)
	UpdateStatus(ctx context.Context, applicationID string, status applications.Status) (applications.ProvisionalApplication, error)
}

// LinkageResolver finds the application an identity signed up for.
type LinkageResolver interface {
	Resolve(ctx context.Context, identity auth.Identity, explicitID string) (applications.Linkage, error)
}

// NotificationStream subscribes to live notification events.
type NotificationStream interface {
	Subscribe(ctx context.Context, recipientID string) (<-chan notifications.Event, func())
}

type Dependencies struct {
	AppBaseURL        string
	Exchanger         SessionExchanger
	Sessions          SessionReader
	Login             LoginStarter
	States            StateCodec
	Provider          IdentityProvider
	Cookies           auth.CookieWriter
	Profiles          ProfileService
	Applications      ApplicationStore
	Linkage           LinkageResolver
	Matching          *matching.Service
	Notifications     NotificationStream
	Limiter           ratelimit.Limiter
	CORSOrigins       []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Exchanger == nil {
		return nil, errMissingExchanger
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Linkage == nil {
		return nil, errMissingLinkage
	}
	if deps.Matching == nil {
		return nil, errMissingMatching
	}
	if deps.Login == nil || deps.States == nil || deps.Provider == nil || deps.Applications == nil {
		return nil, errMissingLoginFlow
	}
	appBaseURL := strings.TrimRight(strings.TrimSpace(deps.AppBaseURL), "/")
	if appBaseURL == "" {
		return nil, errMissingAppBaseURL
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		appBaseURL:    appBaseURL,
		exchanger:     deps.Exchanger,
		sessions:      deps.Sessions,
		login:         deps.Login,
		states:        deps.States,
		provider:      deps.Provider,
		cookies:       deps.Cookies,
		profiles:      deps.Profiles,
		applications:  deps.Applications,
		linkage:       deps.Linkage,
		matching:      deps.Matching,
		notifications: deps.Notifications,
		validate:      newRequestValidator(),
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.CORSOrigins))
	router.Use(handler.guard)

	limited := ratelimit.Middleware(deps.Limiter, logger)

	router.GET("/healthz", handler.handleHealth)

	router.GET("/auth/login", handler.handleLogin)
	router.GET("/auth/callback", handler.handleCallback)
	router.GET("/auth/auth-code-error", handler.handleAuthCodeError)
	router.GET("/auth/session", handler.handleSession)
	router.POST("/auth/magic-link", limited, handler.handleMagicLink)
	router.POST("/auth/logout", handler.handleLogout)

	router.POST("/api/applications", limited, handler.handleCreateApplication)
	router.POST("/api/account/password", handler.handleSetPassword)
	router.GET("/api/account/profile", handler.handleGetProfile)
	router.PATCH("/api/account/profile", handler.handleUpdateProfile)
	router.GET("/api/assignments/:id/messages", handler.handleListMessages)
	router.POST("/api/assignments/:id/messages", handler.handlePostMessage)
	router.GET("/api/notifications", handler.handleListNotifications)
	router.POST("/api/notifications/:id/read", handler.handleMarkNotificationRead)
	router.GET("/api/notifications/stream", handler.handleNotificationStream)

	admin := router.Group("/admin")
	admin.GET("", handler.handleAdminDashboard)
	admin.GET("/parents", handler.handleAdminParents)
	admin.GET("/teachers", handler.handleAdminTeachers)
	admin.GET("/applications", handler.handleAdminApplications)
	admin.PATCH("/applications/:id", handler.handleAdminUpdateApplication)
	admin.POST("/leads/:id/assign", handler.handleAdminAssignLead)

	teacher := router.Group("/teacher")
	teacher.GET("/dashboard", handler.handleTeacherDashboard)
	teacher.POST("/assignments/:id/respond", handler.handleTeacherRespond)

	parent := router.Group("/parent")
	parent.GET("/dashboard", handler.handleParentDashboard)
	parent.POST("/leads", handler.handleParentCreateLead)

	return router, nil
}

type httpHandler struct {
	appBaseURL    string
	exchanger     SessionExchanger
	sessions      SessionReader
	login         LoginStarter
	states        StateCodec
	provider      IdentityProvider
	cookies       auth.CookieWriter
	profiles      ProfileService
	applications  ApplicationStore
	linkage       LinkageResolver
	matching      *matching.Service
	notifications NotificationStream
	validate      *validator.Validate
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Accept", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

func profileFrom(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	return profile, ok
}

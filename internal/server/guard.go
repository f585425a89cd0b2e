package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
)

const (
	pathLogin        = "/login"
	pathUnauthorized = "/unauthorized"
	apiPrefix        = "/api/"
)

// accessRule is what a path demands of the caller.
type accessRule struct {
	public bool
	role   auth.Role
}

var publicPaths = map[string]struct{}{
	"/":              {},
	pathLogin:        {},
	"/signup":        {},
	pathUnauthorized: {},
	"/healthz":       {},
	"/favicon.ico":   {},
}

var publicPrefixes = []string{"/auth/", "/static/"}

var roleRoots = map[string]auth.Role{
	"/admin":   auth.RoleAdmin,
	"/teacher": auth.RoleTeacher,
	"/parent":  auth.RoleParent,
}

// classifyPath maps a request onto its access rule. Paths that are neither public
// nor under a role root require an authenticated session with a profile.
func classifyPath(method, path string) accessRule {
	if _, ok := publicPaths[path]; ok {
		return accessRule{public: true}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return accessRule{public: true}
		}
	}
	if method == http.MethodPost && path == "/api/applications" {
		return accessRule{public: true}
	}
	for root, role := range roleRoots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return accessRule{role: role}
		}
	}
	return accessRule{}
}

// loginRedirect builds the login URL that returns the caller to path.
func loginRedirect(path string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(path), "%2F", "/")
	return pathLogin + "?redirectTo=" + escaped
}

func (h *httpHandler) guard(c *gin.Context) {
	path := c.Request.URL.Path
	rule := classifyPath(c.Request.Method, path)
	if rule.public {
		c.Next()
		return
	}
	isAPI := strings.HasPrefix(path, apiPrefix)

	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session rejected", zap.String("path", path), zap.Error(err))
		h.denyUnauthenticated(c, path, isAPI)
		return
	}
	identity, err := claims.Identity()
	if err != nil {
		h.logger.Info("session identity incomplete", zap.String("path", path), zap.Error(err))
		h.denyUnauthenticated(c, path, isAPI)
		return
	}
	c.Set(identityContextKey, identity)
	if cookie, cookieErr := c.Request.Cookie(h.cookies.AccessName); cookieErr == nil {
		c.Set(accessTokenContextKey, cookie.Value)
	}

	profile, err := h.profiles.FindProfile(c.Request.Context(), identity.ID)
	switch {
	case errors.Is(err, users.ErrProfileNotFound):
		if rule.role != "" {
			h.denyForbidden(c, isAPI)
			return
		}
		// Account endpoints stay reachable before the profile exists.
		c.Next()
		return
	case err != nil:
		h.logger.Error("profile lookup failed", zap.String("user_id", identity.ID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "profile_unavailable"})
		return
	}
	c.Set(profileContextKey, profile)

	if rule.role != "" && profile.Role != rule.role {
		h.logger.Info("role mismatch",
			zap.String("user_id", identity.ID),
			zap.String("role", profile.Role.String()),
			zap.String("required_role", rule.role.String()),
			zap.String("path", path))
		h.denyForbidden(c, isAPI)
		return
	}
	c.Next()
}

func (h *httpHandler) denyUnauthenticated(c *gin.Context, path string, isAPI bool) {
	if isAPI {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Redirect(http.StatusSeeOther, loginRedirect(path))
	c.Abort()
}

func (h *httpHandler) denyForbidden(c *gin.Context, isAPI bool) {
	if isAPI {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Redirect(http.StatusSeeOther, pathUnauthorized)
	c.Abort()
}

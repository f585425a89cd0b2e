package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/redirect"
	"go.uber.org/zap"
)

const (
	queryRedirectTo    = "redirectTo"
	queryApplicationID = "applicationId"
	queryState         = "state"
	callbackPath       = "/auth/callback"
)

func (h *httpHandler) handleLogin(c *gin.Context) {
	verifier, challenge, err := auth.NewPKCE()
	if err != nil {
		h.logger.Error("pkce generation failed", zap.Error(err))
		c.Redirect(http.StatusFound, redirect.PathAuthCodeError)
		return
	}
	state, err := h.states.Issue(auth.LoginState{
		RedirectTo:    redirect.SanitizeRequested(c.Query(queryRedirectTo)),
		ApplicationID: strings.TrimSpace(c.Query(queryApplicationID)),
	})
	if err != nil {
		h.logger.Error("login state issue failed", zap.Error(err))
		c.Redirect(http.StatusFound, redirect.PathAuthCodeError)
		return
	}
	h.cookies.WriteFlow(c.Writer, verifier, state)
	c.Redirect(http.StatusFound, h.login.AuthCodeURL(state, challenge))
}

// handleCallback exchanges the provider response for a session, reconciles the profile,
// resolves application linkage and redirects to the policy destination.
func (h *httpHandler) handleCallback(c *gin.Context) {
	ctx := c.Request.Context()
	explicitID := strings.TrimSpace(c.Query(queryApplicationID))
	requested := c.Query(queryRedirectTo)

	request := c.Request
	if stateToken := c.Query(queryState); stateToken != "" {
		loginState, err := h.verifyState(c, stateToken)
		if err != nil {
			// The code stays unexchanged; a replayed callback can still resolve an existing session.
			h.logger.Info("login state rejected", zap.Error(err))
			request = withoutCode(request)
		} else {
			if explicitID == "" {
				explicitID = loginState.ApplicationID
			}
			if requested == "" {
				requested = loginState.RedirectTo
			}
		}
	}

	session, err := h.exchanger.Exchange(request)
	h.cookies.ClearFlow(c.Writer)
	if err != nil {
		h.logger.Info("session exchange failed", zap.Error(err))
		h.redirectFailed(c)
		return
	}
	if session.Fresh {
		h.cookies.WriteSession(c.Writer, session)
	}

	destination, ok := h.resolveDestination(ctx, session.Identity, explicitID, requested)
	if !ok {
		h.redirectFailed(c)
		return
	}
	h.logger.Info("authentication completed",
		zap.String("user_id", session.Identity.ID),
		zap.Bool("fresh_session", session.Fresh),
		zap.String("destination", destination))
	c.Redirect(http.StatusFound, destination)
}

func withoutCode(request *http.Request) *http.Request {
	stripped := request.Clone(request.Context())
	query := stripped.URL.Query()
	query.Del("code")
	query.Del(queryState)
	stripped.URL.RawQuery = query.Encode()
	return stripped
}

func (h *httpHandler) verifyState(c *gin.Context, stateToken string) (auth.LoginState, error) {
	cookie, err := c.Request.Cookie(auth.StateCookieName)
	if err != nil || cookie.Value != stateToken {
		return auth.LoginState{}, auth.ErrInvalidLoginState
	}
	return h.states.Parse(stateToken)
}

// resolveDestination reconciles the profile and applies the redirect policy. It reports
// false when reconciliation failed and the caller must land on the error page.
func (h *httpHandler) resolveDestination(ctx context.Context, identity auth.Identity, explicitID, requested string) (string, bool) {
	profile, err := h.profiles.Reconcile(ctx, identity)
	if err != nil {
		h.logger.Error("profile reconciliation failed", zap.String("user_id", identity.ID), zap.Error(err))
		return redirect.Resolve(redirect.Decision{Failed: true}), false
	}

	linkage, err := h.linkage.Resolve(ctx, identity, explicitID)
	if err != nil {
		h.logger.Warn("application linkage lookup failed",
			zap.String("user_id", identity.ID),
			zap.String("email", identity.Email),
			zap.Error(err))
		linkage = applications.Linkage{}
	}

	return redirect.Resolve(redirect.Decision{
		Role:                profile.Role,
		Email:               identity.Email,
		LinkedApplicationID: linkage.ApplicationID(),
		PasswordSet:         identity.Metadata.PasswordSet,
		RequestedRedirect:   requested,
	}), true
}

func (h *httpHandler) redirectFailed(c *gin.Context) {
	c.Redirect(http.StatusFound, redirect.Resolve(redirect.Decision{Failed: true}))
}

type sessionStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Destination   string `json:"destination"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	failed := sessionStatusResponse{Destination: redirect.Resolve(redirect.Decision{Failed: true})}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusOK, failed)
		return
	}
	identity, err := claims.Identity()
	if err != nil {
		c.JSON(http.StatusOK, failed)
		return
	}
	destination, ok := h.resolveDestination(c.Request.Context(), identity, "", c.Query(queryRedirectTo))
	if !ok {
		c.JSON(http.StatusOK, failed)
		return
	}
	c.JSON(http.StatusOK, sessionStatusResponse{Authenticated: true, Destination: destination})
}

type magicLinkRequest struct {
	Email         string `json:"email" validate:"required,email,max=320"`
	ApplicationID string `json:"applicationId" validate:"omitempty,max=64"`
	RedirectTo    string `json:"redirectTo" validate:"omitempty,max=512"`
}

func (h *httpHandler) handleMagicLink(c *gin.Context) {
	var request magicLinkRequest
	if !h.bindAndValidate(c, &request) {
		return
	}
	err := h.provider.SendMagicLink(c.Request.Context(), auth.MagicLinkRequest{
		Email:       request.Email,
		RedirectURL: h.callbackURL(request.ApplicationID, redirect.SanitizeRequested(request.RedirectTo)),
		Metadata:    auth.IdentityMetadata{ApplicationID: strings.TrimSpace(request.ApplicationID)},
	})
	if err != nil {
		h.logger.Warn("magic link request failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "magic_link_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.cookies.ClearSession(c.Writer)
	h.cookies.ClearFlow(c.Writer)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) callbackURL(applicationID, redirectTo string) string {
	query := url.Values{}
	if trimmed := strings.TrimSpace(applicationID); trimmed != "" {
		query.Set(queryApplicationID, trimmed)
	}
	if redirectTo != "" {
		query.Set(queryRedirectTo, redirectTo)
	}
	target := h.appBaseURL + callbackPath
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

// authCodeErrorPage gives a callback that raced a concurrent exchange one more chance:
// it re-checks the session before declaring failure.
const authCodeErrorPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Signing you in</title>
</head>
<body>
<main>
<p id="status">Processing authentication...</p>
<p><a id="retry" href="/login" hidden>Back to sign in</a></p>
</main>
<script>
setTimeout(function () {
  fetch("/auth/session", { credentials: "same-origin" })
    .then(function (response) { return response.json(); })
    .then(function (body) {
      if (body.authenticated && body.destination) {
        window.location.replace(body.destination);
        return;
      }
      throw new Error("unauthenticated");
    })
    .catch(function () {
      document.getElementById("status").textContent = "We could not complete your sign in. The link may have expired.";
      document.getElementById("retry").hidden = false;
    });
}, 1500);
</script>
</body>
</html>
`

func (h *httpHandler) handleAuthCodeError(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(authCodeErrorPage))
}

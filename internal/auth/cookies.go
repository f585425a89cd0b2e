package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

const (
	// PKCECookieName holds the code verifier between /auth/login and /auth/callback.
	PKCECookieName = "tl_oauth_pkce"
	// StateCookieName holds the signed login state for comparison on callback.
	StateCookieName = "tl_oauth_state"

	flowCookieTTL      = 10 * time.Minute
	refreshCookieTTL   = 30 * 24 * time.Hour
	pkceVerifierLength = 32
)

// CookieWriter issues and clears session and login-flow cookies.
type CookieWriter struct {
	AccessName  string
	RefreshName string
	Secure      bool
}

// WriteSession stores the access and refresh tokens of a freshly exchanged session.
func (c CookieWriter) WriteSession(w http.ResponseWriter, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.AccessName,
		Value:    session.AccessToken,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	if session.RefreshToken == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.RefreshName,
		Value:    session.RefreshToken,
		Path:     "/",
		MaxAge:   int(refreshCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSession removes both session cookies.
func (c CookieWriter) ClearSession(w http.ResponseWriter) {
	for _, name := range []string{c.AccessName, c.RefreshName} {
		c.clear(w, name)
	}
}

// WriteFlow stores the PKCE verifier and signed state for an outgoing login.
func (c CookieWriter) WriteFlow(w http.ResponseWriter, verifier, state string) {
	for name, value := range map[string]string{PKCECookieName: verifier, StateCookieName: state} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/auth",
			MaxAge:   int(flowCookieTTL.Seconds()),
			HttpOnly: true,
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// ClearFlow removes login-flow cookies once the callback has consumed them.
func (c CookieWriter) ClearFlow(w http.ResponseWriter) {
	for _, name := range []string{PKCECookieName, StateCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/auth",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   c.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func (c CookieWriter) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewPKCE returns a code verifier and its S256 challenge.
func NewPKCE() (verifier string, challenge string, err error) {
	verifier, err = randomToken(pkceVerifierLength)
	if err != nil {
		return "", "", err
	}
	hash := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionAudience = "authenticated"

var (
	ErrMissingSessionKey        = errors.New("session validator: signing secret or key set required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// UserMetadataClaims mirrors the user_metadata object carried in provider access tokens.
type UserMetadataClaims struct {
	Role          string `json:"role,omitempty"`
	ApplicationID string `json:"applicationId,omitempty"`
	PasswordSet   bool   `json:"password_set,omitempty"`
	FullName      string `json:"full_name,omitempty"`
}

// SessionClaims mirrors the JWT payload emitted by the identity provider.
type SessionClaims struct {
	Email        string             `json:"email"`
	UserMetadata UserMetadataClaims `json:"user_metadata"`
	jwt.RegisteredClaims
}

// Identity converts validated claims into an Identity.
func (c SessionClaims) Identity() (Identity, error) {
	subject := strings.TrimSpace(c.Subject)
	email := NormalizeEmail(c.Email)
	if subject == "" || email == "" {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{
		ID:    subject,
		Email: email,
		Metadata: IdentityMetadata{
			RoleName:      strings.TrimSpace(c.UserMetadata.Role),
			ApplicationID: strings.TrimSpace(c.UserMetadata.ApplicationID),
			PasswordSet:   c.UserMetadata.PasswordSet,
			FullName:      strings.TrimSpace(c.UserMetadata.FullName),
		},
	}, nil
}

// PublicKeySource resolves RSA verification keys by key id.
type PublicKeySource interface {
	Lookup(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

// SessionValidatorConfig describes how to validate provider-issued access tokens.
type SessionValidatorConfig struct {
	SigningSecret []byte
	KeySource     PublicKeySource
	Issuer        string
	Audience      string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 or JWKS-backed RS256 access tokens.
type SessionValidator struct {
	signingSecret []byte
	keySource     PublicKeySource
	issuer        string
	audience      string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 && cfg.KeySource == nil {
		return nil, ErrMissingSessionKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultSessionAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		keySource:     cfg.KeySource,
		issuer:        issuer,
		audience:      audience,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(ctx context.Context, tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.verificationKey(ctx, t)
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods(v.allowedMethods()),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if claims.Issuer != v.issuer {
		return SessionClaims{}, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidSessionToken, claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(r.Context(), cookie.Value)
}

func (v *SessionValidator) allowedMethods() []string {
	methods := make([]string, 0, 2)
	if len(v.signingSecret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if v.keySource != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	return methods
}

func (v *SessionValidator) verificationKey(ctx context.Context, t *jwt.Token) (interface{}, error) {
	switch t.Method.Alg() {
	case jwt.SigningMethodHS256.Alg():
		if len(v.signingSecret) == 0 {
			return nil, fmt.Errorf("%w: hs256 not configured", ErrInvalidSessionToken)
		}
		return v.signingSecret, nil
	case jwt.SigningMethodRS256.Alg():
		if v.keySource == nil {
			return nil, fmt.Errorf("%w: rs256 not configured", ErrInvalidSessionToken)
		}
		keyID, _ := t.Header["kid"].(string)
		if keyID == "" {
			return nil, errMissingKeyIdentifier
		}
		return v.keySource.Lookup(ctx, keyID)
	default:
		return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
	}
}

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultStateTTL      = 10 * time.Minute
	loginStateIssuer     = "tutorlink-login"
	loginStateAudience   = "tutorlink-callback"
	loginStateNonceBytes = 16
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	// ErrInvalidLoginState indicates a state value that was tampered with, expired or malformed.
	ErrInvalidLoginState = errors.New("auth: invalid login state")
)

// LoginState carries redirect hints across the provider round trip.
type LoginState struct {
	RedirectTo    string
	ApplicationID string
}

type loginStateClaims struct {
	RedirectTo    string `json:"redirect_to,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	jwt.RegisteredClaims
}

// StateIssuerConfig configures the login state signer.
type StateIssuerConfig struct {
	SigningSecret []byte
	TTL           time.Duration
	Clock         func() time.Time
}

// StateIssuer signs and verifies OAuth state values.
type StateIssuer struct {
	signingSecret []byte
	ttl           time.Duration
	clock         func() time.Time
}

// NewStateIssuer constructs a StateIssuer.
func NewStateIssuer(cfg StateIssuerConfig) (*StateIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StateIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed state token for the supplied hints.
func (i *StateIssuer) Issue(state LoginState) (string, error) {
	nonce, err := randomToken(loginStateNonceBytes)
	if err != nil {
		return "", err
	}
	now := i.clock().UTC()
	claims := loginStateClaims{
		RedirectTo:    strings.TrimSpace(state.RedirectTo),
		ApplicationID: strings.TrimSpace(state.ApplicationID),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			Issuer:    loginStateIssuer,
			Audience:  []string{loginStateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
}

// Parse verifies a state token and returns its hints.
func (i *StateIssuer) Parse(tokenString string) (LoginState, error) {
	if strings.TrimSpace(tokenString) == "" {
		return LoginState{}, fmt.Errorf("%w: empty", ErrInvalidLoginState)
	}
	claims := &loginStateClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(loginStateAudience),
		jwt.WithIssuer(loginStateIssuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return LoginState{}, fmt.Errorf("%w: %v", ErrInvalidLoginState, err)
	}
	return LoginState{
		RedirectTo:    claims.RedirectTo,
		ApplicationID: claims.ApplicationID,
	}, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrAuthenticationFailed indicates that no strategy produced a usable session.
var ErrAuthenticationFailed = errors.New("auth: authentication failed")

var errNoStrategies = errors.New("auth: at least one session strategy required")

// Session is an authenticated provider session.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Identity     Identity
	// Fresh is true when the session was minted during this request and its cookies must be written.
	Fresh bool
}

// StrategyOutcome tags the result of a single resolution strategy.
type StrategyOutcome int

const (
	// StrategyContinue hands control to the next strategy.
	StrategyContinue StrategyOutcome = iota
	// StrategySucceeded ends resolution with a session.
	StrategySucceeded
	// StrategyFailed ends resolution without trying later strategies.
	StrategyFailed
)

func (o StrategyOutcome) String() string {
	switch o {
	case StrategySucceeded:
		return "succeeded"
	case StrategyFailed:
		return "failed"
	default:
		return "continue"
	}
}

// StrategyResult is the tagged value returned by a SessionStrategy.
type StrategyResult struct {
	Outcome StrategyOutcome
	Session Session
	Err     error
}

// Continue returns a result that defers to the next strategy, recording the cause.
func Continue(cause error) StrategyResult {
	return StrategyResult{Outcome: StrategyContinue, Err: cause}
}

// Succeed returns a terminal result carrying the session.
func Succeed(session Session) StrategyResult {
	return StrategyResult{Outcome: StrategySucceeded, Session: session}
}

// Fail returns a terminal failure.
func Fail(cause error) StrategyResult {
	return StrategyResult{Outcome: StrategyFailed, Err: cause}
}

// SessionStrategy is one step in the ordered session resolution chain.
type SessionStrategy interface {
	Name() string
	Attempt(ctx context.Context, request *http.Request) StrategyResult
}

// SessionExchanger runs strategies in order until one succeeds or fails.
type SessionExchanger struct {
	strategies []SessionStrategy
	logger     *zap.Logger
}

// NewSessionExchanger constructs the combinator over the given strategies.
func NewSessionExchanger(logger *zap.Logger, strategies ...SessionStrategy) (*SessionExchanger, error) {
	if len(strategies) == 0 {
		return nil, errNoStrategies
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionExchanger{
		strategies: append([]SessionStrategy(nil), strategies...),
		logger:     logger,
	}, nil
}

// Exchange resolves the request to a session or returns ErrAuthenticationFailed.
func (e *SessionExchanger) Exchange(request *http.Request) (Session, error) {
	if request == nil {
		return Session{}, fmt.Errorf("%w: nil request", ErrAuthenticationFailed)
	}
	ctx := request.Context()
	var lastErr error
	for _, strategy := range e.strategies {
		result := strategy.Attempt(ctx, request)
		switch result.Outcome {
		case StrategySucceeded:
			e.logger.Debug("session strategy succeeded", zap.String("strategy", strategy.Name()))
			return result.Session, nil
		case StrategyFailed:
			e.logger.Info("session strategy failed", zap.String("strategy", strategy.Name()), zap.Error(result.Err))
			return Session{}, fmt.Errorf("%w: %s: %v", ErrAuthenticationFailed, strategy.Name(), result.Err)
		default:
			if result.Err != nil {
				e.logger.Debug("session strategy deferred", zap.String("strategy", strategy.Name()), zap.Error(result.Err))
				lastErr = result.Err
			}
		}
	}
	if lastErr == nil {
		return Session{}, ErrAuthenticationFailed
	}
	return Session{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, lastErr)
}

// TokenValidator validates provider access tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (SessionClaims, error)
}

// CodeExchanger trades an authorization code for provider tokens.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string, verifier string) (TokenSet, error)
}

var errMissingCode = errors.New("authorization code absent")

// CodeExchangeStrategy exchanges the callback's code parameter.
type CodeExchangeStrategy struct {
	Exchanger CodeExchanger
	Validator TokenValidator
}

func (s CodeExchangeStrategy) Name() string {
	return "code_exchange"
}

func (s CodeExchangeStrategy) Attempt(ctx context.Context, request *http.Request) StrategyResult {
	code := strings.TrimSpace(request.URL.Query().Get("code"))
	if code == "" {
		return Continue(errMissingCode)
	}
	verifier := ""
	if cookie, err := request.Cookie(PKCECookieName); err == nil && cookie != nil {
		verifier = cookie.Value
	}
	tokens, err := s.Exchanger.ExchangeCode(ctx, code, verifier)
	if err != nil {
		// A previous attempt may already have consumed the code and set the session cookie.
		return Continue(err)
	}
	claims, err := s.Validator.ValidateToken(ctx, tokens.AccessToken)
	if err != nil {
		return Continue(err)
	}
	identity, err := claims.Identity()
	if err != nil {
		return Continue(err)
	}
	expiresAt := tokens.Expiry
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Succeed(Session{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    expiresAt,
		Identity:     identity,
		Fresh:        true,
	})
}

// ExistingSessionStrategy accepts a still-valid session cookie.
type ExistingSessionStrategy struct {
	Validator  TokenValidator
	CookieName string
}

func (s ExistingSessionStrategy) Name() string {
	return "existing_session"
}

func (s ExistingSessionStrategy) Attempt(ctx context.Context, request *http.Request) StrategyResult {
	cookie, err := request.Cookie(s.CookieName)
	if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return Continue(ErrMissingSessionToken)
	}
	claims, err := s.Validator.ValidateToken(ctx, cookie.Value)
	if err != nil {
		return Continue(err)
	}
	identity, err := claims.Identity()
	if err != nil {
		return Continue(err)
	}
	session := Session{
		AccessToken: cookie.Value,
		Identity:    identity,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return Succeed(session)
}

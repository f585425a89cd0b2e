package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrInvalidExchangerConfig = errors.New("auth: invalid code exchanger config")

// TokenSet is the token response returned by the provider.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuthExchangerConfig configures the authorization-code client.
type OAuthExchangerConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURL  string
	HTTPClient   *http.Client
}

// OAuthExchanger performs the provider's OAuth2 authorization-code flow with PKCE.
type OAuthExchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthExchanger validates configuration and returns an exchanger.
func NewOAuthExchanger(cfg OAuthExchangerConfig) (*OAuthExchanger, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("%w: token url required", ErrInvalidExchangerConfig)
	}
	if strings.TrimSpace(cfg.AuthorizeURL) == "" {
		return nil, fmt.Errorf("%w: authorize url required", ErrInvalidExchangerConfig)
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		return nil, fmt.Errorf("%w: redirect url required", ErrInvalidExchangerConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuthExchanger{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid", "email"},
		},
		httpClient: httpClient,
	}, nil
}

// AuthCodeURL builds the provider authorization URL with PKCE parameters.
func (e *OAuthExchanger) AuthCodeURL(state string, codeChallenge string) string {
	return e.config.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode trades code for tokens. verifier may be empty for server-issued magic links.
func (e *OAuthExchanger) ExchangeCode(ctx context.Context, code string, verifier string) (TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	options := []oauth2.AuthCodeOption{}
	if verifier != "" {
		options = append(options, oauth2.SetAuthURLParam("code_verifier", verifier))
	}
	token, err := e.config.Exchange(ctx, code, options...)
	if err != nil {
		return TokenSet{}, fmt.Errorf("code exchange failed: %w", err)
	}
	if token.AccessToken == "" {
		return TokenSet{}, errors.New("code exchange returned no access token")
	}
	return TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}, nil
}

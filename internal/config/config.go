package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "TUTORLINK"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "tutorlink.db"
	defaultLogLevel           = "info"
	defaultAccessCookieName   = "tl_access_token"
	defaultRefreshCookieName  = "tl_refresh_token"
	defaultSessionIssuerPath  = "/auth/v1"
	defaultRateLimitPerMinute = 20
	defaultRateLimitBurst     = 5
	defaultStateTTL           = 10 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AppBaseURL     string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	IdentityBaseURL    string
	IdentityAnonKey    string
	IdentityServiceKey string
	IdentityJWTSecret  string
	IdentityJWKSURL    string
	IdentityIssuer     string
	OAuthClientID      string
	OAuthClientSecret  string
	OAuthAuthorizeURL  string
	OAuthTokenURL      string
	AccessCookieName   string
	RefreshCookieName  string
	CookieSecure       bool
	StateSigningSecret string
	StateTTL           time.Duration
	MailerBaseURL      string
	MailerAPIKey       string
	MailerFromAddress  string
	RedisAddress       string
	RedisPassword      string
	RateLimitPerMinute int
	RateLimitBurst     int
	CORSAllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.access_cookie", defaultAccessCookieName)
	configViper.SetDefault("session.refresh_cookie", defaultRefreshCookieName)
	configViper.SetDefault("session.cookie_secure", true)
	configViper.SetDefault("state.ttl", defaultStateTTL)
	configViper.SetDefault("ratelimit.per_minute", defaultRateLimitPerMinute)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	identityBase := strings.TrimRight(strings.TrimSpace(configViper.GetString("identity.base_url")), "/")

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AppBaseURL:         strings.TrimRight(strings.TrimSpace(configViper.GetString("app.base_url")), "/"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		IdentityBaseURL:    identityBase,
		IdentityAnonKey:    configViper.GetString("identity.anon_key"),
		IdentityServiceKey: configViper.GetString("identity.service_key"),
		IdentityJWTSecret:  configViper.GetString("identity.jwt_secret"),
		IdentityJWKSURL:    configViper.GetString("identity.jwks_url"),
		IdentityIssuer:     configViper.GetString("identity.issuer"),
		OAuthClientID:      configViper.GetString("oauth.client_id"),
		OAuthClientSecret:  configViper.GetString("oauth.client_secret"),
		OAuthAuthorizeURL:  configViper.GetString("oauth.authorize_url"),
		OAuthTokenURL:      configViper.GetString("oauth.token_url"),
		AccessCookieName:   configViper.GetString("session.access_cookie"),
		RefreshCookieName:  configViper.GetString("session.refresh_cookie"),
		CookieSecure:       configViper.GetBool("session.cookie_secure"),
		StateSigningSecret: configViper.GetString("state.signing_secret"),
		StateTTL:           configViper.GetDuration("state.ttl"),
		MailerBaseURL:      configViper.GetString("mailer.base_url"),
		MailerAPIKey:       configViper.GetString("mailer.api_key"),
		MailerFromAddress:  configViper.GetString("mailer.from"),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RateLimitPerMinute: configViper.GetInt("ratelimit.per_minute"),
		RateLimitBurst:     configViper.GetInt("ratelimit.burst"),
		CORSAllowedOrigins: configViper.GetStringSlice("http.cors_origins"),
	}

	if identityBase != "" {
		if strings.TrimSpace(cfg.IdentityIssuer) == "" {
			cfg.IdentityIssuer = identityBase + defaultSessionIssuerPath
		}
		if strings.TrimSpace(cfg.OAuthAuthorizeURL) == "" {
			cfg.OAuthAuthorizeURL = identityBase + defaultSessionIssuerPath + "/authorize"
		}
		if strings.TrimSpace(cfg.OAuthTokenURL) == "" {
			cfg.OAuthTokenURL = identityBase + defaultSessionIssuerPath + "/token"
		}
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.IdentityBaseURL) == "" {
		return fmt.Errorf("identity.base_url is required")
	}
	if strings.TrimSpace(c.IdentityAnonKey) == "" {
		return fmt.Errorf("identity.anon_key is required")
	}
	if strings.TrimSpace(c.IdentityJWTSecret) == "" && strings.TrimSpace(c.IdentityJWKSURL) == "" {
		return fmt.Errorf("identity.jwt_secret or identity.jwks_url is required")
	}
	if strings.TrimSpace(c.AppBaseURL) == "" {
		return fmt.Errorf("app.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.AppBaseURL); err != nil {
		return fmt.Errorf("app.base_url is invalid: %w", err)
	}
	if strings.TrimSpace(c.StateSigningSecret) == "" {
		return fmt.Errorf("state.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.AccessCookieName) == "" || strings.TrimSpace(c.RefreshCookieName) == "" {
		return fmt.Errorf("session cookie names are required")
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	return nil
}

// CallbackURL returns the absolute auth callback URL embedded in magic links and OAuth requests.
func (c AppConfig) CallbackURL() string {
	return c.AppBaseURL + "/auth/callback"
}

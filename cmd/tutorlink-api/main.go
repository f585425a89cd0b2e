package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tutorlink/portal/internal/applications"
	"github.com/tutorlink/portal/internal/auth"
	"github.com/tutorlink/portal/internal/config"
	"github.com/tutorlink/portal/internal/database"
	"github.com/tutorlink/portal/internal/logging"
	"github.com/tutorlink/portal/internal/mailer"
	"github.com/tutorlink/portal/internal/matching"
	"github.com/tutorlink/portal/internal/notifications"
	"github.com/tutorlink/portal/internal/ratelimit"
	"github.com/tutorlink/portal/internal/server"
	"github.com/tutorlink/portal/internal/users"
	"go.uber.org/zap"
)

const outboundTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tutorlink-api",
		Short: "TutorLink portal backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("app-base-url", "", "Public base URL of the portal")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for shared rate limiting")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	outbound := &http.Client{Timeout: outboundTimeout}

	validator, err := newSessionValidator(appConfig, outbound, logger)
	if err != nil {
		return err
	}
	codeExchanger, err := auth.NewOAuthExchanger(auth.OAuthExchangerConfig{
		ClientID:     appConfig.OAuthClientID,
		ClientSecret: appConfig.OAuthClientSecret,
		AuthorizeURL: appConfig.OAuthAuthorizeURL,
		TokenURL:     appConfig.OAuthTokenURL,
		RedirectURL:  appConfig.CallbackURL(),
		HTTPClient:   outbound,
	})
	if err != nil {
		return err
	}
	exchanger, err := auth.NewSessionExchanger(logger,
		auth.CodeExchangeStrategy{Exchanger: codeExchanger, Validator: validator},
		auth.ExistingSessionStrategy{Validator: validator, CookieName: appConfig.AccessCookieName},
	)
	if err != nil {
		return err
	}
	states, err := auth.NewStateIssuer(auth.StateIssuerConfig{
		SigningSecret: []byte(appConfig.StateSigningSecret),
		TTL:           appConfig.StateTTL,
	})
	if err != nil {
		return err
	}
	provider, err := auth.NewProviderClient(auth.ProviderClientConfig{
		BaseURL:    appConfig.IdentityBaseURL,
		AnonKey:    appConfig.IdentityAnonKey,
		HTTPClient: outbound,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	store, err := applications.NewStore(applications.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: applications.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sender, err := newMailSender(appConfig, outbound, logger)
	if err != nil {
		return err
	}
	dispatcher := notifications.NewDispatcher()
	matchingService, err := matching.NewService(matching.ServiceConfig{
		Database:     db,
		Directory:    profiles,
		Applications: store,
		Publisher:    dispatcher,
		Mailer:       sender,
		Clock:        time.Now,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		AppBaseURL:    appConfig.AppBaseURL,
		Exchanger:     exchanger,
		Sessions:      validator,
		Login:         codeExchanger,
		States:        states,
		Provider:      provider,
		Cookies:       auth.CookieWriter{AccessName: appConfig.AccessCookieName, RefreshName: appConfig.RefreshCookieName, Secure: appConfig.CookieSecure},
		Profiles:      profiles,
		Applications:  store,
		Linkage:       applications.NewLinkageResolver(store),
		Matching:      matchingService,
		Notifications: dispatcher,
		Limiter:       limiter,
		CORSOrigins:   appConfig.CORSAllowedOrigins,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newSessionValidator(appConfig config.AppConfig, client *http.Client, logger *zap.Logger) (*auth.SessionValidator, error) {
	validatorConfig := auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.IdentityJWTSecret),
		Issuer:        appConfig.IdentityIssuer,
		CookieName:    appConfig.AccessCookieName,
	}
	if appConfig.IdentityJWKSURL != "" {
		keySet, err := auth.NewKeySet(auth.KeySetConfig{
			URL:        appConfig.IdentityJWKSURL,
			HTTPClient: client,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		validatorConfig.KeySource = keySet
	}
	return auth.NewSessionValidator(validatorConfig)
}

func newMailSender(appConfig config.AppConfig, client *http.Client, logger *zap.Logger) (mailer.Sender, error) {
	if appConfig.MailerBaseURL == "" {
		logger.Warn("mailer not configured, assignment emails will only be logged")
		return mailer.LogSender{Logger: logger}, nil
	}
	return mailer.NewHTTPSender(mailer.HTTPSenderConfig{
		BaseURL:     appConfig.MailerBaseURL,
		APIKey:      appConfig.MailerAPIKey,
		FromAddress: appConfig.MailerFromAddress,
		HTTPClient:  client,
		Logger:      logger,
	})
}

func newLimiter(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	policy := ratelimit.Policy{PerMinute: appConfig.RateLimitPerMinute, Burst: appConfig.RateLimitBurst}
	if appConfig.RedisAddress == "" {
		return ratelimit.NewMemoryLimiter(policy, time.Now), func() {}, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, appConfig.RedisAddress, appConfig.RedisPassword)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("rate limiter backed by redis", zap.String("address", appConfig.RedisAddress))
	return ratelimit.NewRedisLimiter(client, policy, time.Now), func() { _ = client.Close() }, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/tyemirov/tsession/internal/authkit"
	"github.com/tyemirov/tsession/internal/authkitpg"
	"github.com/tyemirov/tsession/internal/web"
	"github.com/tyemirov/tsession/pkg/sessionvalidator"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tsession",
		Short:   "Session service with password and Google sign-in, JWT access tokens, and per-device rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", "tsession", "Issuer claim for access JWT")
	rootCmd.Flags().Duration("access_ttl", 5*time.Minute, "Access token TTL; also bounds identity cache entries")
	rootCmd.Flags().Duration("refresh_ttl", 0, "Refresh token TTL; 0 means one calendar month")
	rootCmd.Flags().String("database_url", "", "Database URL for users and sessions (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("session_store_driver", "gorm", "Refresh session backend when database_url is set (gorm or pgx)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for the identity cache; leave empty for an in-process cache")
	rootCmd.Flags().Int("bcrypt_cost", bcrypt.DefaultCost, "bcrypt cost for password hashes")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("enable_metrics", false, "Expose Prometheus metrics on /metrics")

	for _, flagName := range []string{
		"listen_addr", "jwt_signing_key", "jwt_issuer", "access_ttl", "refresh_ttl", "database_url",
		"session_store_driver", "redis_url", "bcrypt_cost", "google_web_client_id", "nonce_ttl",
		"cookie_domain", "dev_insecure_http", "enable_cors", "cors_allowed_origins", "enable_metrics",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	refreshCookieName = "tsession_refresh"

	sessionDriverGORM = "gorm"
	sessionDriverPGX  = "pgx"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingJWTIssuer        = "config.missing_jwt_issuer"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeInvalidSessionDriver    = "config.invalid_session_store_driver"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	if driverErr := validateSessionDriver(viper.GetString("session_store_driver"), viper.GetString("database_url")); driverErr != nil {
		return driverErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the token, cookie, and provider settings from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTIssuer, "jwt_issuer must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must not be negative")
	}

	bcryptCost := bcrypt.DefaultCost
	if viper.IsSet("bcrypt_cost") {
		bcryptCost = viper.GetInt("bcrypt_cost")
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return authkit.ServerConfig{}, configError(configCodeInvalidBcryptCost, fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return authkit.ServerConfig{
		GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
		AppJWTSigningKey:  []byte(jwtSigningKey),
		AppJWTIssuer:      jwtIssuer,
		CookieDomain:      viper.GetString("cookie_domain"),
		RefreshCookieName: refreshCookieName,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		NonceTTL:          nonceTTL,
		BcryptCost:        bcryptCost,
	}, nil
}

func validateSessionDriver(driver string, databaseURL string) error {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", sessionDriverGORM:
		return nil
	case sessionDriverPGX:
		parsed, parseErr := url.Parse(databaseURL)
		if parseErr != nil || (parsed.Scheme != "postgres" && parsed.Scheme != "postgresql") {
			return configError(configCodeInvalidSessionDriver, "session_store_driver pgx requires a postgres database_url")
		}
		return nil
	default:
		return configError(configCodeInvalidSessionDriver, fmt.Sprintf("unknown session_store_driver %q", driver))
	}
}

type runtimeOptions struct {
	DatabaseURL        string
	SessionDriver      string
	RedisURL           string
	EnableCORS         bool
	CORSAllowedOrigins []string
	EnableMetrics      bool
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	options := runtimeOptions{
		DatabaseURL:        viper.GetString("database_url"),
		SessionDriver:      strings.ToLower(viper.GetString("session_store_driver")),
		RedisURL:           viper.GetString("redis_url"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		EnableMetrics:      viper.GetBool("enable_metrics"),
	}

	gin.SetMode(gin.ReleaseMode)
	router, cleanup, buildErr := buildApplication(commandContext, logger, serverConfig, options)
	if buildErr != nil {
		return buildErr
	}
	defer cleanup()

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildApplication wires stores, cache, metrics, the token manager, and every route onto a new router.
// The returned cleanup releases database pools and cache connections.
func buildApplication(ctx context.Context, logger *zap.Logger, serverConfig authkit.ServerConfig, options runtimeOptions) (*gin.Engine, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var cleanups []func()
	cleanup := func() {
		for index := len(cleanups) - 1; index >= 0; index-- {
			cleanups[index]()
		}
	}
	fail := func(err error) (*gin.Engine, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if options.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, options.CORSAllowedOrigins)
		if corsErr != nil {
			return fail(corsErr)
		}
		router.Use(corsMiddleware)
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	users, sessions, storeCleanup, storeErr := buildStores(ctx, logger, options)
	if storeErr != nil {
		return fail(storeErr)
	}
	cleanups = append(cleanups, storeCleanup)

	cacheBackend, cacheCleanup, cacheErr := buildCacheBackend(ctx, logger, options.RedisURL)
	if cacheErr != nil {
		return fail(cacheErr)
	}
	cleanups = append(cleanups, cacheCleanup)

	var metricsRecorder authkit.MetricsRecorder = authkit.NewCounterMetrics()
	if options.EnableMetrics {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prometheusMetrics, metricsErr := authkit.NewPrometheusMetrics(registry)
		if metricsErr != nil {
			return fail(metricsErr)
		}
		metricsRecorder = prometheusMetrics
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	credentials := authkit.NewBcryptCredentials(serverConfig.BcryptCost)
	identityCache := authkit.NewIdentityCache(cacheBackend, serverConfig.AccessTTL, logger)
	identities := authkit.NewIdentityService(users, identityCache, credentials, logger)
	manager, managerErr := authkit.NewTokenManager(authkit.TokenManagerConfig{
		Identities: identities,
		Sessions:   sessions,
		Verifier:   credentials,
		Clock:      authkit.NewSystemClock(),
		SigningKey: serverConfig.AppJWTSigningKey,
		Issuer:     serverConfig.AppJWTIssuer,
		AccessTTL:  serverConfig.AccessTTL,
		RefreshTTL: serverConfig.RefreshTTL,
		Logger:     logger,
		Metrics:    metricsRecorder,
	})
	if managerErr != nil {
		return fail(managerErr)
	}

	dependencies := authkit.RouteDependencies{Manager: manager, Logger: logger}
	if serverConfig.GoogleWebClientID != "" {
		googleValidator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return fail(fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr))
		}
		dependencies.Google = googleValidator
		dependencies.Nonces = authkit.NewMemoryNonceStore(serverConfig.NonceTTL)
		if redisBackend, shared := cacheBackend.(*authkit.RedisCacheBackend); shared {
			dependencies.Nonces = authkit.NewRedisNonceStore(redisBackend.Client(), serverConfig.NonceTTL)
		}
	} else {
		logger.Info("google sign-in disabled", zap.String("code", "config.google_disabled"))
	}
	authkit.MountAuthRoutes(router, serverConfig, dependencies)

	accessValidator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.AppJWTSigningKey,
		Issuer:     serverConfig.AppJWTIssuer,
	})
	if validatorErr != nil {
		return fail(validatorErr)
	}
	web.MountUserRoutes(router, accessValidator, identities, logger)

	return router, cleanup, nil
}

func buildStores(ctx context.Context, logger *zap.Logger, options runtimeOptions) (authkit.UserStore, authkit.SessionStore, func(), error) {
	if strings.TrimSpace(options.DatabaseURL) == "" {
		sessions := authkit.NewMemorySessionStore()
		logger.Info("using in-memory user and session stores")
		return authkit.NewMemoryUserStore(sessions), sessions, func() {}, nil
	}

	databaseStore, storeErr := authkit.NewDatabaseStore(ctx, options.DatabaseURL)
	if storeErr != nil {
		return nil, nil, nil, storeErr
	}
	closeDatabase := func() {
		if err := databaseStore.Close(); err != nil {
			logger.Warn("database close failed", zap.Error(err))
		}
	}
	if options.SessionDriver != sessionDriverPGX {
		logger.Info("using persistent stores", zap.String("driver", databaseStore.Driver()))
		return databaseStore, databaseStore, closeDatabase, nil
	}

	pool, poolErr := authkitpg.BuildPool(ctx, options.DatabaseURL)
	if poolErr != nil {
		closeDatabase()
		return nil, nil, nil, poolErr
	}
	if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		closeDatabase()
		return nil, nil, nil, schemaErr
	}
	logger.Info("using persistent stores",
		zap.String("driver", databaseStore.Driver()),
		zap.String("session_driver", sessionDriverPGX))
	return databaseStore, authkitpg.NewPostgresSessionStore(pool), func() {
		pool.Close()
		closeDatabase()
	}, nil
}

func buildCacheBackend(ctx context.Context, logger *zap.Logger, redisURL string) (authkit.CacheBackend, func(), error) {
	if strings.TrimSpace(redisURL) == "" {
		logger.Info("using in-process identity cache")
		return authkit.NewMemoryCacheBackend(), func() {}, nil
	}
	redisBackend, redisErr := authkit.OpenRedisCacheBackend(ctx, redisURL)
	if redisErr != nil {
		return nil, nil, redisErr
	}
	logger.Info("using redis identity cache")
	return redisBackend, func() {
		if err := redisBackend.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}

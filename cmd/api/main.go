package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	vaultgate "github.com/vaultgate/vaultgate"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/background"
	"github.com/vaultgate/vaultgate/internal/config"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/handlers"
	middlewareCustom "github.com/vaultgate/vaultgate/internal/middleware"
	"github.com/vaultgate/vaultgate/internal/repositories"
	"github.com/vaultgate/vaultgate/internal/routes"
	"github.com/vaultgate/vaultgate/internal/services"
	"github.com/vaultgate/vaultgate/internal/twofactor"
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
	pkglogger "github.com/vaultgate/vaultgate/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Apply migrations before opening the pool
	if err := database.Migrate(cfg.Database.DSN(), vaultgate.Migrations); err != nil {
		logger.Error("failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	twoFactorRepo := repositories.NewTwoFactorRepository(db)
	authRequestRepo := repositories.NewAuthRequestRepository(db)
	ssoRepo := repositories.NewSsoRepository(db)
	emergencyRepo := repositories.NewEmergencyAccessRepository(db)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	// Credential verification and timing equalization
	verifier := auth.NewCredentialVerifier(cfg.Auth.MinKdfIterations)
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	})

	auditLogger := pkglogger.NewAuditLogger(logger)

	// Mail and push delivery. Both degrade to no-ops when unconfigured.
	var mailer services.Mailer
	if cfg.Mail.FromAddress != "" {
		sesMailer, err := services.NewAWSSESMailer(cfg.Mail.AWSRegion, cfg.Mail.FromAddress, logger)
		if err != nil {
			logger.Error("failed to initialize mailer", slog.Any("error", err))
			os.Exit(1)
		}
		mailer = sesMailer
	} else {
		logger.Warn("MAIL_FROM_ADDRESS not set, mail delivery disabled")
		mailer = services.NewNoopMailer(logger)
	}

	var push services.PushNotifier = services.NoopPushNotifier{}
	if cfg.Push.RelayURI != "" {
		push = services.NewRelayPushNotifier(cfg.Push.RelayURI, cfg.Push.RelayKey, logger)
	}

	// Step-up providers. Only those with configuration are registered;
	// verification of an unregistered provider fails closed.
	publicURL, err := url.Parse(cfg.Server.PublicURL)
	if err != nil {
		logger.Error("invalid PUBLIC_URL", slog.Any("error", err))
		os.Exit(1)
	}

	totpProvider := twofactor.NewTOTPProvider(twoFactorRepo, cfg.TwoFactor.Issuer)
	emailProvider := twofactor.NewEmailProvider(twoFactorRepo, mailer, logger)
	rememberProvider := twofactor.NewRememberProvider(cfg.Auth.JWTSecret, cfg.TwoFactor.RememberDuration)
	webauthnProvider, err := twofactor.NewWebAuthnProvider(
		cfg.TwoFactor.Issuer,
		publicURL.Hostname(),
		cfg.Server.PublicURL,
		twoFactorRepo,
		twoFactorRepo,
	)
	if err != nil {
		logger.Error("failed to configure webauthn", slog.Any("error", err))
		os.Exit(1)
	}

	providers := []twofactor.Provider{totpProvider, emailProvider, rememberProvider, webauthnProvider}
	var duoChecker services.DuoChecker
	if cfg.TwoFactor.DuoHost != "" {
		duoProvider := twofactor.NewDuoProvider(cfg.TwoFactor.DuoHost, cfg.TwoFactor.DuoIKey, cfg.TwoFactor.DuoSKey)
		providers = append(providers, duoProvider)
		duoChecker = duoProvider
	}
	if cfg.TwoFactor.YubicoClientID != "" {
		providers = append(providers, twofactor.NewYubiKeyProvider(cfg.TwoFactor.YubicoClientID))
	}
	registry := twofactor.NewRegistry(
		twoFactorRepo,
		cfg.TwoFactor.MaxAttempts,
		cfg.TwoFactor.AttemptWindow,
		logger,
		providers...,
	)

	// Initialize services
	loginService := services.NewLoginService(
		userRepo, deviceRepo, twoFactorRepo,
		verifier, tokenManager, registry, rememberProvider,
		mailer, timingDelay, logger,
		cfg.TwoFactor.PendingLoginTTL,
	)
	twoFactorService := services.NewTwoFactorService(twoFactorRepo, userRepo, verifier, totpProvider, webauthnProvider, duoChecker, logger)
	authRequestService := services.NewAuthRequestService(
		authRequestRepo, userRepo, deviceRepo,
		verifier, tokenManager, push, logger,
		cfg.Auth.AuthRequestTTL,
	)
	emergencyService := services.NewEmergencyAccessService(emergencyRepo, userRepo, mailer, logger)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	h := &routes.Handlers{
		Auth:        handlers.NewAuthHandler(loginService, userRepo, ipConfig, auditLogger, cfg.Auth.MinKdfIterations),
		TwoFactor:   handlers.NewTwoFactorHandler(twoFactorService),
		AuthRequest: handlers.NewAuthRequestHandler(authRequestService, ipConfig),
		Emergency:   handlers.NewEmergencyAccessHandler(emergencyService),
	}

	if cfg.Sso.Enabled {
		ssoCtx, ssoCancel := context.WithTimeout(context.Background(), 15*time.Second)
		ssoService, err := services.NewSsoService(
			ssoCtx,
			ssoRepo, userRepo, deviceRepo,
			&services.TokenIssuer{
				Access:  tokenManager.GenerateAccessToken,
				Refresh: tokenManager.GenerateRefreshToken,
			},
			cfg.Sso.IssuerURL, cfg.Sso.ClientID, cfg.Sso.ClientSecret,
			cfg.Server.PublicURL+"/sso/callback",
			cfg.Sso.Scopes,
			cfg.Sso.StateTTL,
			logger,
		)
		ssoCancel()
		if err != nil {
			logger.Error("failed to initialize SSO", slog.Any("error", err))
			os.Exit(1)
		}
		h.Sso = handlers.NewSsoHandler(ssoService)
	}

	// Background expiry sweep
	sweepNotifier := services.NewEmergencySweepNotifier(userRepo, mailer, logger)
	sweeper := background.NewSweeper(
		twoFactorRepo, authRequestRepo, ssoRepo, emergencyRepo,
		sweepNotifier,
		background.Config{
			Interval:          cfg.Auth.SweepInterval,
			PendingLoginTTL:   cfg.TwoFactor.PendingLoginTTL,
			AuthRequestTTL:    cfg.Auth.AuthRequestTTL,
			SsoStateTTL:       cfg.Sso.StateTTL,
			AttemptRetention:  cfg.TwoFactor.AttemptWindow,
			ResolvedRetention: 24 * time.Hour,
			ReminderInterval:  cfg.Emergency.ReminderInterval,
		},
		logger,
	)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.Env)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, h, tokenManager, userRepo)

	// Health check with database
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start expiry sweep
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	go sweeper.Start(sweepCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	sweepCancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

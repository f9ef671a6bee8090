package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/config"
	"github.com/vaultgate/vaultgate/internal/database"
	"github.com/vaultgate/vaultgate/internal/handlers"
	middlewareCustom "github.com/vaultgate/vaultgate/internal/middleware"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/routes"
	"github.com/vaultgate/vaultgate/internal/services"
	"github.com/vaultgate/vaultgate/internal/twofactor"
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
	pkglogger "github.com/vaultgate/vaultgate/pkg/logger"
)

// SentEmail represents a captured email message
type SentEmail struct {
	To   string
	Kind string
	Body string
}

// CaptureMailer records outbound mail for test assertions
type CaptureMailer struct {
	SentEmails []SentEmail
	mu         sync.Mutex
}

func (m *CaptureMailer) record(to, kind, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentEmails = append(m.SentEmails, SentEmail{To: to, Kind: kind, Body: body})
}

func (m *CaptureMailer) SendTwoFactorCode(ctx context.Context, email, code string) error {
	m.record(email, "two_factor_code", code)
	return nil
}

func (m *CaptureMailer) SendNewDeviceNotice(ctx context.Context, email, deviceName, ip string) error {
	m.record(email, "new_device", deviceName)
	return nil
}

func (m *CaptureMailer) SendEmergencyInvite(ctx context.Context, email, grantorEmail string) error {
	m.record(email, "emergency_invite", grantorEmail)
	return nil
}

func (m *CaptureMailer) SendRecoveryInitiated(ctx context.Context, email, granteeEmail string, waitDays int) error {
	m.record(email, "recovery_initiated", granteeEmail)
	return nil
}

func (m *CaptureMailer) SendRecoveryReminder(ctx context.Context, email, granteeEmail string, daysLeft int) error {
	m.record(email, "recovery_reminder", granteeEmail)
	return nil
}

func (m *CaptureMailer) SendRecoveryApproved(ctx context.Context, email, grantorEmail string) error {
	m.record(email, "recovery_approved", grantorEmail)
	return nil
}

// GetLastEmail returns the most recent email sent
func (m *CaptureMailer) GetLastEmail() *SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SentEmails) == 0 {
		return nil
	}
	return &m.SentEmails[len(m.SentEmails)-1]
}

// TestServer wraps httptest.Server with database and all dependencies
type TestServer struct {
	Server   *httptest.Server
	Pool     *database.DB
	Mailer   *CaptureMailer
	Config   *config.Config
	Verifier *auth.CredentialVerifier

	logger *slog.Logger
}

// NewTestServer initializes a complete HTTP server with real database and
// captured mail. SSO stays disabled: it needs a live identity provider.
func NewTestServer(db *database.DB) (*TestServer, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:      "0",
			Env:       "test",
			PublicURL: "http://localhost",
		},
		Auth: config.AuthConfig{
			JWTSecret:          "test-secret-32-characters-long-for-testing",
			AccessTokenExpiry:  15 * time.Minute,
			RefreshTokenExpiry: 7 * 24 * time.Hour,
			AuthRequestTTL:     15 * time.Minute,
			MinKdfIterations:   1000,
		},
		TwoFactor: config.TwoFactorConfig{
			PendingLoginTTL:  15 * time.Minute,
			RememberDuration: 30 * 24 * time.Hour,
			MaxAttempts:      5,
			AttemptWindow:    15 * time.Minute,
			Issuer:           "VaultgateTest",
		},
	}

	userRepo, deviceRepo, twoFactorRepo, authRequestRepo, _, emergencyRepo :=
		InitializeRepositories(db)

	mailer := &CaptureMailer{}
	auditLogger := pkglogger.NewAuditLogger(logger)

	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	verifier := auth.NewCredentialVerifier(cfg.Auth.MinKdfIterations)

	// No artificial delay in tests
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{})

	totpProvider := twofactor.NewTOTPProvider(twoFactorRepo, cfg.TwoFactor.Issuer)
	emailProvider := twofactor.NewEmailProvider(twoFactorRepo, mailer, logger)
	rememberProvider := twofactor.NewRememberProvider(cfg.Auth.JWTSecret, cfg.TwoFactor.RememberDuration)
	webauthnProvider, err := twofactor.NewWebAuthnProvider(
		cfg.TwoFactor.Issuer, "localhost", cfg.Server.PublicURL,
		twoFactorRepo, twoFactorRepo,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}

	registry := twofactor.NewRegistry(
		twoFactorRepo,
		cfg.TwoFactor.MaxAttempts,
		cfg.TwoFactor.AttemptWindow,
		logger,
		totpProvider, emailProvider, rememberProvider, webauthnProvider,
	)

	loginService := services.NewLoginService(
		userRepo, deviceRepo, twoFactorRepo,
		verifier, tokenManager, registry, rememberProvider,
		mailer, timingDelay, logger,
		cfg.TwoFactor.PendingLoginTTL,
	)
	twoFactorService := services.NewTwoFactorService(twoFactorRepo, userRepo, verifier, totpProvider, webauthnProvider, nil, logger)
	authRequestService := services.NewAuthRequestService(
		authRequestRepo, userRepo, deviceRepo,
		verifier, tokenManager, services.NoopPushNotifier{}, logger,
		cfg.Auth.AuthRequestTTL,
	)
	emergencyService := services.NewEmergencyAccessService(emergencyRepo, userRepo, mailer, logger)

	ipConfig := &pkghttp.IPConfig{}
	h := &routes.Handlers{
		Auth:        handlers.NewAuthHandler(loginService, userRepo, ipConfig, auditLogger, cfg.Auth.MinKdfIterations),
		TwoFactor:   handlers.NewTwoFactorHandler(twoFactorService),
		AuthRequest: handlers.NewAuthRequestHandler(authRequestService, ipConfig),
		Emergency:   handlers.NewEmergencyAccessHandler(emergencyService),
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(r, h, tokenManager, userRepo)

	server := httptest.NewServer(r)

	return &TestServer{
		Server:   server,
		Pool:     db,
		Mailer:   mailer,
		Config:   cfg,
		Verifier: verifier,
		logger:   logger,
	}, nil
}

// Close shuts down the test server
func (ts *TestServer) Close() {
	if ts.Server != nil {
		ts.Server.Close()
	}
}

// Request makes an HTTP request to the test server
func (ts *TestServer) Request(method, path string, body interface{}, headers map[string]string) (*http.Response, error) {
	url := ts.Server.URL + path

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	return http.DefaultClient.Do(req)
}

// RequestWithAuth makes an authenticated HTTP request with access token
func (ts *TestServer) RequestWithAuth(method, path, accessToken string, body interface{}) (*http.Response, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	return ts.Request(method, path, body, headers)
}

// ParseJSONResponse parses JSON response body into target struct
func ParseJSONResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// ExtractTokensFromResponse extracts session tokens from a login response
func ExtractTokensFromResponse(resp *http.Response) (accessToken, refreshToken string, twoFactorProviders []models.TwoFactorProviderType, err error) {
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if access, ok := body["access_token"].(string); ok {
		accessToken = access
	}
	if refresh, ok := body["refresh_token"].(string); ok {
		refreshToken = refresh
	}
	if providers, ok := body["two_factor_providers"].([]interface{}); ok {
		for _, p := range providers {
			if n, ok := p.(float64); ok {
				twoFactorProviders = append(twoFactorProviders, models.TwoFactorProviderType(n))
			}
		}
	}

	return
}

// GetErrorMessage extracts error message from error response
func GetErrorMessage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	var errResp map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return "", err
	}
	if msg, ok := errResp["message"].(string); ok {
		return msg, nil
	}
	return "", nil
}

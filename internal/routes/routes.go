package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/handlers"
	"github.com/vaultgate/vaultgate/internal/middleware"
)

// Handlers bundles the HTTP handlers the router wires up. Sso is nil when
// single sign-on is disabled.
type Handlers struct {
	Auth        *handlers.AuthHandler
	TwoFactor   *handlers.TwoFactorHandler
	AuthRequest *handlers.AuthRequestHandler
	Emergency   *handlers.EmergencyAccessHandler
	Sso         *handlers.SsoHandler
}

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	h *Handlers,
	tokenManager *auth.TokenManager,
	users auth.UserFetcher,
) {
	// Rate limiting config for credential-bearing endpoints
	rateLimitConfig := middleware.DefaultAuthRateLimit()
	pollLimitConfig := middleware.PollRateLimit()

	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/prelogin", h.Auth.Prelogin)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/login", h.Auth.Login)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/refresh", h.Auth.Refresh)

	// Device-trust handshake, requester side. Gated by access code rather
	// than a session.
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth-requests", h.AuthRequest.Create)
	router.With(middleware.RateLimitByIP(pollLimitConfig)).Get("/auth-requests/{id}/response", h.AuthRequest.Poll)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth-requests/{id}/claim", h.AuthRequest.Claim)

	if h.Sso != nil {
		router.With(middleware.RateLimitByIP(pollLimitConfig)).Get("/sso/authorize", h.Sso.Begin)
		router.With(middleware.RateLimitByIP(pollLimitConfig)).Get("/sso/callback", h.Sso.Callback)
		router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/sso/claim", h.Sso.Claim)
	}

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.SessionMiddleware(tokenManager, users))

		r.Post("/auth/change-password", h.Auth.ChangePassword)

		// Step-up enrollment
		r.Get("/two-factor", h.TwoFactor.List)
		r.Post("/two-factor/authenticator", h.TwoFactor.BeginTOTP)
		r.Put("/two-factor/authenticator", h.TwoFactor.EnableTOTP)
		r.Put("/two-factor/email", h.TwoFactor.EnableEmail)
		r.Put("/two-factor/duo", h.TwoFactor.EnableDuo)
		r.Put("/two-factor/yubikey", h.TwoFactor.EnableYubiKey)
		r.Post("/two-factor/webauthn", h.TwoFactor.BeginWebAuthn)
		r.Put("/two-factor/webauthn", h.TwoFactor.FinishWebAuthn)
		r.Delete("/two-factor", h.TwoFactor.Disable)

		// Device-trust handshake, approver side
		r.Get("/auth-requests", h.AuthRequest.ListPending)
		r.Get("/auth-requests/{id}", h.AuthRequest.Get)
		r.Put("/auth-requests/{id}", h.AuthRequest.Respond)

		// Emergency access
		r.Post("/emergency-access/invite", h.Emergency.Invite)
		r.Get("/emergency-access/granted", h.Emergency.ListGranted)
		r.Get("/emergency-access/trusted", h.Emergency.ListTrusted)
		r.Post("/emergency-access/{id}/accept", h.Emergency.Accept)
		r.Post("/emergency-access/{id}/confirm", h.Emergency.Confirm)
		r.Post("/emergency-access/{id}/initiate", h.Emergency.InitiateRecovery)
		r.Post("/emergency-access/{id}/approve", h.Emergency.Approve)
		r.Post("/emergency-access/{id}/reject", h.Emergency.Reject)
		r.Get("/emergency-access/{id}/key", h.Emergency.AccessKey)
	})
}

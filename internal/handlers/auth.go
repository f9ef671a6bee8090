package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/services"
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
	pkglogger "github.com/vaultgate/vaultgate/pkg/logger"
)

// LoginServiceInterface defines the interface for login business logic
type LoginServiceInterface interface {
	Login(ctx context.Context, req *services.LoginRequest) (*services.SessionResponse, *services.TwoFactorChallenge, error)
	Refresh(ctx context.Context, refreshToken string) (*services.SessionResponse, error)
	ChangePassword(ctx context.Context, userID string, req *services.ChangePasswordRequest) error
}

// PreloginStore resolves the KDF parameters a client needs before it
// can derive its proof.
type PreloginStore interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// AuthHandler handles password-grant HTTP requests
type AuthHandler struct {
	service     LoginServiceInterface
	prelogin    PreloginStore
	ipConfig    *pkghttp.IPConfig
	auditLogger *pkglogger.AuditLogger
	// KDF served for unknown accounts so prelogin cannot probe for
	// registered emails.
	defaultKdfIterations int
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service LoginServiceInterface, prelogin PreloginStore, ipConfig *pkghttp.IPConfig, auditLogger *pkglogger.AuditLogger, defaultKdfIterations int) *AuthHandler {
	return &AuthHandler{
		service:              service,
		prelogin:             prelogin,
		ipConfig:             ipConfig,
		auditLogger:          auditLogger,
		defaultKdfIterations: defaultKdfIterations,
	}
}

// Request DTOs

// PreloginRequest represents the request body for KDF discovery
type PreloginRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// PreloginResponse carries the KDF parameters for proof derivation
type PreloginResponse struct {
	Kdf            int  `json:"kdf"`
	KdfIterations  int  `json:"kdf_iterations"`
	KdfMemory      *int `json:"kdf_memory,omitempty"`
	KdfParallelism *int `json:"kdf_parallelism,omitempty"`
}

// LoginRequest represents the request body for the password grant
type LoginRequest struct {
	Email             string `json:"email" validate:"required,email"`
	PasswordProof     string `json:"master_password_hash" validate:"required"`
	DeviceID          string `json:"device_identifier" validate:"required,max=64"`
	DeviceName        string `json:"device_name" validate:"required,max=256"`
	DeviceType        int    `json:"device_type"`
	TwoFactorProvider *int   `json:"two_factor_provider,omitempty"`
	TwoFactorToken    string `json:"two_factor_token,omitempty"`
	TwoFactorRemember bool   `json:"two_factor_remember,omitempty"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// ChangePasswordRequest represents the request body for credential rotation
type ChangePasswordRequest struct {
	CurrentProof   string `json:"master_password_hash" validate:"required"`
	NewProof       string `json:"new_master_password_hash" validate:"required"`
	KdfType        int    `json:"kdf" validate:"oneof=0 1"`
	KdfIterations  int    `json:"kdf_iterations" validate:"required,gte=1"`
	KdfMemory      *int   `json:"kdf_memory,omitempty"`
	KdfParallelism *int   `json:"kdf_parallelism,omitempty"`
}

// SessionResponse represents a completed login in the HTTP response
type SessionResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	TwoFactorRemember     string `json:"two_factor_remember_token,omitempty"`
	KdfUpgradeRecommended bool   `json:"kdf_upgrade_recommended,omitempty"`
}

// TwoFactorRequiredResponse tells the client which step-up providers it
// may answer with
type TwoFactorRequiredResponse struct {
	Error     string `json:"error"`
	Providers []int  `json:"two_factor_providers"`
	Preferred int    `json:"preferred_provider"`
	Challenge any    `json:"challenge,omitempty"`
}

// Prelogin returns the KDF configuration for an email address
func (h *AuthHandler) Prelogin(w http.ResponseWriter, r *http.Request) {
	var req PreloginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	resp := &PreloginResponse{
		Kdf:           models.KdfPBKDF2,
		KdfIterations: h.defaultKdfIterations,
	}
	if user, err := h.prelogin.GetByEmail(r.Context(), req.Email); err == nil {
		resp.Kdf = user.KdfType
		resp.KdfIterations = user.KdfIterations
		resp.KdfMemory = user.KdfMemory
		resp.KdfParallelism = user.KdfParallelism
	}

	writeJSON(w, http.StatusOK, resp)
}

// Login handles the password grant
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ip := pkghttp.ExtractClientIP(r, h.ipConfig)

	svcReq := &services.LoginRequest{
		Email:             req.Email,
		PasswordProof:     req.PasswordProof,
		DeviceID:          req.DeviceID,
		DeviceName:        req.DeviceName,
		DeviceType:        req.DeviceType,
		IP:                ip,
		TwoFactorToken:    req.TwoFactorToken,
		TwoFactorRemember: req.TwoFactorRemember,
	}
	if req.TwoFactorProvider != nil {
		providerType := models.TwoFactorProviderType(*req.TwoFactorProvider)
		svcReq.TwoFactorProvider = &providerType
	}

	session, challenge, err := h.service.Login(r.Context(), svcReq)
	if err != nil {
		h.writeLoginError(w, ip, challenge, err)
		return
	}

	h.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_succeeded",
		IPAddress: ip,
		Success:   true,
	})

	writeJSON(w, http.StatusOK, &SessionResponse{
		AccessToken:           session.AccessToken,
		RefreshToken:          session.RefreshToken,
		TokenType:             "Bearer",
		TwoFactorRemember:     session.TwoFactorRememberToken,
		KdfUpgradeRecommended: session.KdfUpgradeRecommended,
	})
}

func (h *AuthHandler) writeLoginError(w http.ResponseWriter, ip string, challenge *services.TwoFactorChallenge, err error) {
	switch {
	case errors.Is(err, models.ErrTwoFactorRequired):
		resp := &TwoFactorRequiredResponse{Error: "two_factor_required"}
		if challenge != nil {
			for _, p := range challenge.Providers {
				resp.Providers = append(resp.Providers, int(p))
			}
			resp.Preferred = int(challenge.Preferred)
			resp.Challenge = challenge.Challenge
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, models.ErrInvalidCredential):
		h.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			IPAddress:     ip,
			FailureReason: "invalid_credentials",
		})
		pkghttp.WriteUnauthorized(w, "Invalid credentials")
	case errors.Is(err, models.ErrTwoFactorInvalid):
		h.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			IPAddress:     ip,
			FailureReason: "two_factor_invalid",
		})
		pkghttp.WriteUnauthorized(w, "Invalid two-factor token")
	case errors.Is(err, models.ErrRequestExpired):
		pkghttp.WriteBadRequest(w, "Login attempt has expired, start over")
	case errors.Is(err, models.ErrTwoFactorRateLimited):
		pkghttp.WriteTooManyRequests(w, "Too many two-factor attempts")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Account is disabled")
	case errors.Is(err, models.ErrDependencyUnavailable):
		pkghttp.WriteError(w, http.StatusBadGateway, "dependency_unavailable", "Verification service unreachable")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "An internal error occurred")
	}
}

// Refresh handles token refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	session, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredential), errors.Is(err, models.ErrStaleSecurityStamp):
			pkghttp.WriteUnauthorized(w, "Invalid refresh token")
		case errors.Is(err, models.ErrForbidden):
			pkghttp.WriteForbidden(w, "Account is disabled")
		default:
			pkghttp.WriteInternalError(w, "An internal error occurred")
		}
		return
	}

	writeJSON(w, http.StatusOK, &SessionResponse{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    "Bearer",
	})
}

// ChangePassword rotates the caller's credentials and revokes all
// outstanding sessions
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ip := pkghttp.ExtractClientIP(r, h.ipConfig)

	err := h.service.ChangePassword(r.Context(), claims.UserID, &services.ChangePasswordRequest{
		CurrentProof:   req.CurrentProof,
		NewProof:       req.NewProof,
		KdfType:        req.KdfType,
		KdfIterations:  req.KdfIterations,
		KdfMemory:      req.KdfMemory,
		KdfParallelism: req.KdfParallelism,
	})
	if err != nil {
		h.auditLogger.LogPasswordChange(claims.UserID, ip, false)
		switch {
		case errors.Is(err, models.ErrInvalidCredential):
			pkghttp.WriteUnauthorized(w, "Invalid current password")
		default:
			pkghttp.WriteInternalError(w, "An internal error occurred")
		}
		return
	}

	h.auditLogger.LogPasswordChange(claims.UserID, ip, true)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

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
)

// TwoFactorServiceInterface defines the interface for enrollment logic
type TwoFactorServiceInterface interface {
	ListMethods(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error)
	BeginTOTP(ctx context.Context, userID, proof string) (*services.TOTPEnrollment, error)
	EnableTOTP(ctx context.Context, userID, proof, secret, code string) error
	EnableEmail(ctx context.Context, userID, proof string) error
	EnableDuo(ctx context.Context, userID, proof string) error
	EnableYubiKey(ctx context.Context, userID, proof, otp string) error
	BeginWebAuthnRegistration(ctx context.Context, userID, proof string) (any, error)
	FinishWebAuthnRegistration(ctx context.Context, userID, proof, response string) error
	Disable(ctx context.Context, userID, proof string, providerType models.TwoFactorProviderType) error
}

// TwoFactorHandler handles step-up enrollment HTTP requests
type TwoFactorHandler struct {
	service TwoFactorServiceInterface
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(service TwoFactorServiceInterface) *TwoFactorHandler {
	return &TwoFactorHandler{service: service}
}

// Request DTOs

// ProofRequest carries the fresh master-password proof every enrollment
// mutation requires
type ProofRequest struct {
	MasterPasswordHash string `json:"master_password_hash" validate:"required"`
}

// EnableTOTPRequest represents the request body for TOTP confirmation
type EnableTOTPRequest struct {
	MasterPasswordHash string `json:"master_password_hash" validate:"required"`
	Secret             string `json:"secret" validate:"required"`
	Code               string `json:"code" validate:"required,len=6,numeric"`
}

// EnableYubiKeyRequest represents the request body for YubiKey enrollment
type EnableYubiKeyRequest struct {
	MasterPasswordHash string `json:"master_password_hash" validate:"required"`
	Otp                string `json:"otp" validate:"required,min=32,max=48"`
}

// FinishWebAuthnRequest represents the attestation response
type FinishWebAuthnRequest struct {
	MasterPasswordHash string          `json:"master_password_hash" validate:"required"`
	Response           json.RawMessage `json:"response" validate:"required"`
}

// DisableRequest represents the request body for removing a provider
type DisableRequest struct {
	MasterPasswordHash string `json:"master_password_hash" validate:"required"`
	Provider           int    `json:"provider" validate:"oneof=0 1 2 3 5 7"`
}

// MethodResponse represents one enabled provider in the HTTP response
type MethodResponse struct {
	Provider int    `json:"provider"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
}

// List returns the caller's enabled providers
func (h *TwoFactorHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	methods, err := h.service.ListMethods(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "An internal error occurred")
		return
	}

	resp := make([]MethodResponse, 0, len(methods))
	for _, m := range methods {
		resp = append(resp, MethodResponse{
			Provider: int(m.Type),
			Name:     m.Type.String(),
			Enabled:  m.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// BeginTOTP generates a pending authenticator secret
func (h *TwoFactorHandler) BeginTOTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	enrollment, err := h.service.BeginTOTP(r.Context(), claims.UserID, req.MasterPasswordHash)
	if err != nil {
		h.writeEnrollmentError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"secret": enrollment.Secret,
		"qr":     enrollment.QRCode,
	})
}

// EnableTOTP confirms possession of the secret and turns the method on
func (h *TwoFactorHandler) EnableTOTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req EnableTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.EnableTOTP(r.Context(), claims.UserID, req.MasterPasswordHash, req.Secret, req.Code); err != nil {
		h.writeEnrollmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableEmail turns on mailed one-time codes
func (h *TwoFactorHandler) EnableEmail(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.EnableEmail(r.Context(), claims.UserID, req.MasterPasswordHash); err != nil {
		h.writeEnrollmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableDuo turns on Duo against the server's configured tenant
func (h *TwoFactorHandler) EnableDuo(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.EnableDuo(r.Context(), claims.UserID, req.MasterPasswordHash); err != nil {
		h.writeEnrollmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableYubiKey registers a key from one OTP
func (h *TwoFactorHandler) EnableYubiKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req EnableYubiKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.EnableYubiKey(r.Context(), claims.UserID, req.MasterPasswordHash, req.Otp); err != nil {
		h.writeEnrollmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BeginWebAuthn starts a credential registration ceremony
func (h *TwoFactorHandler) BeginWebAuthn(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	options, err := h.service.BeginWebAuthnRegistration(r.Context(), claims.UserID, req.MasterPasswordHash)
	if err != nil {
		h.writeEnrollmentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// FinishWebAuthn completes a credential registration ceremony
func (h *TwoFactorHandler) FinishWebAuthn(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req FinishWebAuthnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.FinishWebAuthnRegistration(r.Context(), claims.UserID, req.MasterPasswordHash, string(req.Response)); err != nil {
		h.writeEnrollmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disable removes one provider
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req DisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.service.Disable(r.Context(), claims.UserID, req.MasterPasswordHash, models.TwoFactorProviderType(req.Provider))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Provider not enabled")
			return
		}
		h.writeEnrollmentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TwoFactorHandler) writeEnrollmentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidCredential):
		pkghttp.WriteUnauthorized(w, "Invalid master password")
	case errors.Is(err, models.ErrTwoFactorInvalid):
		pkghttp.WriteBadRequest(w, "Invalid verification code")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	case errors.Is(err, models.ErrDependencyUnavailable):
		pkghttp.WriteError(w, http.StatusBadGateway, "dependency_unavailable", "Verification service unreachable")
	default:
		pkghttp.WriteInternalError(w, "An internal error occurred")
	}
}

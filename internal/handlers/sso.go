package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/services"
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
)

// SsoServiceInterface defines the interface for the identity-provider
// exchange
type SsoServiceInterface interface {
	Begin(ctx context.Context, redirectURI string) (*services.SsoBeginResponse, error)
	Callback(ctx context.Context, state, code, redirectURI string) error
	Claim(ctx context.Context, req *services.ClaimRequest) (*services.SessionResponse, error)
}

// SsoHandler handles single sign-on HTTP endpoints
type SsoHandler struct {
	service SsoServiceInterface
}

// NewSsoHandler creates a new SsoHandler
func NewSsoHandler(service SsoServiceInterface) *SsoHandler {
	return &SsoHandler{service: service}
}

// ClaimSsoRequest is posted by the native client after the browser leg
// completes
type ClaimSsoRequest struct {
	State            string `json:"state" validate:"required"`
	DeviceIdentifier string `json:"device_identifier" validate:"required,uuid"`
	DeviceName       string `json:"device_name" validate:"required,max=255"`
	DeviceType       int    `json:"device_type" validate:"gte=0"`
}

// Begin creates exchange state and redirects the browser to the identity
// provider
func (h *SsoHandler) Begin(w http.ResponseWriter, r *http.Request) {
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		pkghttp.WriteBadRequest(w, "redirect_uri is required")
		return
	}

	resp, err := h.service.Begin(r.Context(), redirectURI)
	if err != nil {
		h.writeSsoError(w, err)
		return
	}
	http.Redirect(w, r, resp.AuthURL, http.StatusFound)
}

// Callback receives the provider's authorization code, validates the
// exchange, and parks the result for the native client to claim
func (h *SsoHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		pkghttp.WriteBadRequest(w, "state and code are required")
		return
	}

	if err := h.service.Callback(r.Context(), state, code, r.URL.Query().Get("redirect_uri")); err != nil {
		h.writeSsoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Sign-on complete. Return to your client to finish logging in.",
	})
}

// Claim exchanges a completed browser leg for a session. Single use.
func (h *SsoHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimSsoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	session, err := h.service.Claim(r.Context(), &services.ClaimRequest{
		State:      req.State,
		DeviceID:   req.DeviceIdentifier,
		DeviceName: req.DeviceName,
		DeviceType: req.DeviceType,
	})
	if err != nil {
		h.writeSsoError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, &SessionResponse{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		TokenType:    "Bearer",
	})
}

func (h *SsoHandler) writeSsoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrSsoStateMismatch), errors.Is(err, models.ErrSsoNonceMismatch):
		pkghttp.WriteBadRequest(w, "Invalid or expired sign-on state")
	case errors.Is(err, models.ErrRedirectUriMismatch):
		pkghttp.WriteBadRequest(w, "Redirect URI does not match")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "No account is linked to this identity")
	case errors.Is(err, models.ErrDependencyUnavailable):
		pkghttp.WriteError(w, http.StatusBadGateway, "dependency_unavailable", "Identity provider is unreachable")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "An internal error occurred")
	}
}

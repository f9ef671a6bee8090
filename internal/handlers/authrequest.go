package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/services"
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
)

// AuthRequestServiceInterface defines the interface for the cross-device
// login handshake
type AuthRequestServiceInterface interface {
	Create(ctx context.Context, req *services.CreateAuthRequest) (*services.AuthRequestView, error)
	Poll(ctx context.Context, id, accessCode string) (*services.AuthRequestView, error)
	ListPending(ctx context.Context, userID string) ([]*services.AuthRequestView, error)
	Get(ctx context.Context, userID, id string) (*services.AuthRequestView, error)
	Respond(ctx context.Context, userID, id string, req *services.RespondRequest) (*services.AuthRequestView, error)
	Claim(ctx context.Context, id, accessCode, deviceName string) (*services.SessionResponse, *services.AuthRequestView, error)
}

// AuthRequestHandler handles device-trust request HTTP endpoints
type AuthRequestHandler struct {
	service  AuthRequestServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthRequestHandler creates a new AuthRequestHandler
func NewAuthRequestHandler(service AuthRequestServiceInterface, ipConfig *pkghttp.IPConfig) *AuthRequestHandler {
	return &AuthRequestHandler{service: service, ipConfig: ipConfig}
}

// Request DTOs

// CreateAuthRequestRequest is posted by the new, untrusted device
type CreateAuthRequestRequest struct {
	Email            string `json:"email" validate:"required,email"`
	DeviceIdentifier string `json:"device_identifier" validate:"required,uuid"`
	DeviceType       int    `json:"device_type" validate:"gte=0"`
	PublicKey        string `json:"public_key" validate:"required"`
}

// RespondAuthRequestRequest is sent by the trusted device resolving a
// request
type RespondAuthRequestRequest struct {
	DeviceIdentifier   string `json:"device_identifier" validate:"required,uuid"`
	Approved           bool   `json:"approved"`
	EncKey             string `json:"enc_key,omitempty"`
	MasterPasswordHash string `json:"master_password_hash,omitempty"`
}

// ClaimAuthRequestRequest exchanges an approved request for a session
type ClaimAuthRequestRequest struct {
	AccessCode string `json:"access_code" validate:"required"`
	DeviceName string `json:"device_name" validate:"required,max=255"`
}

// AuthRequestResponse is the wire form of a handshake, from either side
type AuthRequestResponse struct {
	ID                 string     `json:"id"`
	PublicKey          string     `json:"public_key"`
	RequestDeviceID    string     `json:"request_device_identifier"`
	RequestIP          string     `json:"request_ip"`
	AccessCode         string     `json:"access_code,omitempty"`
	Approved           *bool      `json:"approved"`
	EncKey             *string    `json:"enc_key,omitempty"`
	MasterPasswordHash *string    `json:"master_password_hash,omitempty"`
	CreationDate       time.Time  `json:"creation_date"`
	ResponseDate       *time.Time `json:"response_date,omitempty"`
}

func authRequestResponse(view *services.AuthRequestView) *AuthRequestResponse {
	return &AuthRequestResponse{
		ID:                 view.ID,
		PublicKey:          view.PublicKey,
		RequestDeviceID:    view.RequestDeviceID,
		RequestIP:          view.RequestIP,
		AccessCode:         view.AccessCode,
		Approved:           view.State.Bool(),
		EncKey:             view.EncKey,
		MasterPasswordHash: view.MasterPasswordHash,
		CreationDate:       view.CreationDate,
		ResponseDate:       view.ResponseDate,
	}
}

// Create opens a handshake from an untrusted device. Unauthenticated.
func (h *AuthRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAuthRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	view, err := h.service.Create(r.Context(), &services.CreateAuthRequest{
		Email:      req.Email,
		DeviceID:   req.DeviceIdentifier,
		DeviceType: req.DeviceType,
		PublicKey:  req.PublicKey,
		IP:         pkghttp.ExtractClientIP(r, h.ipConfig),
	})
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authRequestResponse(view))
}

// Poll lets the requesting device watch for a resolution. Unauthenticated,
// gated by the access code.
func (h *AuthRequestHandler) Poll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	accessCode := r.URL.Query().Get("access_code")
	if accessCode == "" {
		pkghttp.WriteBadRequest(w, "Access code is required")
		return
	}

	view, err := h.service.Poll(r.Context(), id, accessCode)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authRequestResponse(view))
}

// ListPending returns the caller's open requests, for trusted devices to
// review
func (h *AuthRequestHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	views, err := h.service.ListPending(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "An internal error occurred")
		return
	}

	resp := make([]*AuthRequestResponse, 0, len(views))
	for _, v := range views {
		resp = append(resp, authRequestResponse(v))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get returns one of the caller's requests
func (h *AuthRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	view, err := h.service.Get(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authRequestResponse(view))
}

// Respond approves or denies a pending request from a trusted device
func (h *AuthRequestHandler) Respond(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req RespondAuthRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	view, err := h.service.Respond(r.Context(), claims.UserID, chi.URLParam(r, "id"), &services.RespondRequest{
		DeviceID:           req.DeviceIdentifier,
		Approved:           req.Approved,
		EncKey:             req.EncKey,
		MasterPasswordHash: req.MasterPasswordHash,
	})
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authRequestResponse(view))
}

// Claim exchanges an approved request for a session. Unauthenticated,
// gated by the access code.
func (h *AuthRequestHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimAuthRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	session, view, err := h.service.Claim(r.Context(), chi.URLParam(r, "id"), req.AccessCode, req.DeviceName)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  session.AccessToken,
		"refresh_token": session.RefreshToken,
		"token_type":    "Bearer",
		"request":       authRequestResponse(view),
	})
}

func (h *AuthRequestHandler) writeRequestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Auth request not found")
	case errors.Is(err, models.ErrRequestExpired):
		pkghttp.WriteNotFound(w, "Auth request has expired")
	case errors.Is(err, models.ErrRequestAlreadyResolved):
		pkghttp.WriteConflict(w, "Auth request was already resolved")
	case errors.Is(err, models.ErrInvalidCredential):
		pkghttp.WriteUnauthorized(w, "Invalid master password")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Auth request is not approved")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "An internal error occurred")
	}
}

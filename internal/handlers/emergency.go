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
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
)

// EmergencyAccessServiceInterface defines the interface for emergency
// access grants
type EmergencyAccessServiceInterface interface {
	Invite(ctx context.Context, grantorID, email string, accessType models.EmergencyAccessType, waitDays int) (*models.EmergencyAccess, error)
	Accept(ctx context.Context, granteeID, id string) error
	Confirm(ctx context.Context, grantorID, id, keyEncrypted string) error
	InitiateRecovery(ctx context.Context, granteeID, id string) error
	Approve(ctx context.Context, grantorID, id string) error
	Reject(ctx context.Context, grantorID, id string) error
	AccessKey(ctx context.Context, granteeID, id string) (string, error)
	ListGranted(ctx context.Context, grantorID string) ([]*models.EmergencyAccess, error)
	ListTrusted(ctx context.Context, granteeID string) ([]*models.EmergencyAccess, error)
}

// EmergencyAccessHandler handles emergency access HTTP endpoints
type EmergencyAccessHandler struct {
	service EmergencyAccessServiceInterface
}

// NewEmergencyAccessHandler creates a new EmergencyAccessHandler
func NewEmergencyAccessHandler(service EmergencyAccessServiceInterface) *EmergencyAccessHandler {
	return &EmergencyAccessHandler{service: service}
}

// Request DTOs

// InviteEmergencyRequest represents a grantor inviting a trusted contact
type InviteEmergencyRequest struct {
	Email        string `json:"email" validate:"required,email"`
	Type         int    `json:"type" validate:"oneof=0 1"`
	WaitTimeDays int    `json:"wait_time_days" validate:"gte=0,lte=90"`
}

// ConfirmEmergencyRequest carries the grantor's key encrypted to the
// grantee
type ConfirmEmergencyRequest struct {
	KeyEncrypted string `json:"key_encrypted" validate:"required"`
}

// EmergencyAccessResponse is the wire form of a grant
type EmergencyAccessResponse struct {
	ID                  string     `json:"id"`
	GrantorID           string     `json:"grantor_id"`
	GranteeID           *string    `json:"grantee_id,omitempty"`
	Email               *string    `json:"email,omitempty"`
	Type                int        `json:"type"`
	Status              string     `json:"status"`
	WaitTimeDays        int        `json:"wait_time_days"`
	RecoveryInitiatedAt *time.Time `json:"recovery_initiated_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

func emergencyAccessResponse(access *models.EmergencyAccess) *EmergencyAccessResponse {
	return &EmergencyAccessResponse{
		ID:                  access.ID,
		GrantorID:           access.GrantorID,
		GranteeID:           access.GranteeID,
		Email:               access.Email,
		Type:                int(access.Type),
		Status:              access.Status.String(),
		WaitTimeDays:        access.WaitTimeDays,
		RecoveryInitiatedAt: access.RecoveryInitiatedAt,
		CreatedAt:           access.CreatedAt,
	}
}

// Invite creates a grant in the Invited state and mails the contact
func (h *EmergencyAccessHandler) Invite(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req InviteEmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	access, err := h.service.Invite(r.Context(), claims.UserID, req.Email, models.EmergencyAccessType(req.Type), req.WaitTimeDays)
	if err != nil {
		h.writeEmergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, emergencyAccessResponse(access))
}

// Accept moves an invited grant to Accepted. Grantee only.
func (h *EmergencyAccessHandler) Accept(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Accept)
}

// Confirm finalizes a grant with the encrypted key. Grantor only.
func (h *EmergencyAccessHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req ConfirmEmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.Confirm(r.Context(), claims.UserID, chi.URLParam(r, "id"), req.KeyEncrypted); err != nil {
		h.writeEmergencyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InitiateRecovery starts the wait clock. Grantee only.
func (h *EmergencyAccessHandler) InitiateRecovery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.InitiateRecovery)
}

// Approve grants recovery before the wait elapses. Grantor only.
func (h *EmergencyAccessHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

// Reject cancels an initiated recovery. Grantor only.
func (h *EmergencyAccessHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Reject)
}

// AccessKey returns the encrypted vault key once recovery is approved.
// Grantee only.
func (h *EmergencyAccessHandler) AccessKey(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	key, err := h.service.AccessKey(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeEmergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key_encrypted": key})
}

// ListGranted returns grants the caller has extended to others
func (h *EmergencyAccessHandler) ListGranted(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.service.ListGranted)
}

// ListTrusted returns grants where the caller is the trusted contact
func (h *EmergencyAccessHandler) ListTrusted(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.service.ListTrusted)
}

func (h *EmergencyAccessHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := op(r.Context(), claims.UserID, chi.URLParam(r, "id")); err != nil {
		h.writeEmergencyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EmergencyAccessHandler) list(w http.ResponseWriter, r *http.Request, op func(context.Context, string) ([]*models.EmergencyAccess, error)) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	grants, err := op(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "An internal error occurred")
		return
	}

	resp := make([]*EmergencyAccessResponse, 0, len(grants))
	for _, g := range grants {
		resp = append(resp, emergencyAccessResponse(g))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *EmergencyAccessHandler) writeEmergencyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Emergency access grant not found")
	case errors.Is(err, models.ErrEmergencyNotEligible):
		pkghttp.WriteConflict(w, "Grant is not in an eligible state")
	case errors.Is(err, models.ErrEmergencyWaitPeriodNotElapsed):
		pkghttp.WriteForbidden(w, "Recovery has not been approved")
	case errors.Is(err, models.ErrForbidden):
		pkghttp.WriteForbidden(w, "Not permitted for this grant")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "An internal error occurred")
	}
}

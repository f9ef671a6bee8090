package services

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
)

// AuthRequestStore defines the interface for device-trust request
// persistence.
type AuthRequestStore interface {
	Create(ctx context.Context, req *models.AuthRequest) error
	GetByID(ctx context.Context, id string) (*models.AuthRequest, error)
	ListPendingByUser(ctx context.Context, userID string, createdAfter time.Time) ([]*models.AuthRequest, error)
	Respond(ctx context.Context, id, responderDeviceID string, approved bool, encKey, masterPasswordHash *string) (*models.AuthRequest, error)
	MarkAuthenticated(ctx context.Context, id string) (bool, error)
}

// AuthRequestService runs the cross-device login handshake: a new device
// posts a request carrying its public key, a trusted device approves it
// with the vault key encrypted to that public key, and the new device
// claims a session.
type AuthRequestService struct {
	requests AuthRequestStore
	users    UserStore
	devices  DeviceStore
	verifier *auth.CredentialVerifier
	tokens   *auth.TokenManager
	push     PushNotifier
	logger   *slog.Logger
	ttl      time.Duration
}

func NewAuthRequestService(
	requests AuthRequestStore,
	users UserStore,
	devices DeviceStore,
	verifier *auth.CredentialVerifier,
	tokens *auth.TokenManager,
	push PushNotifier,
	logger *slog.Logger,
	ttl time.Duration,
) *AuthRequestService {
	return &AuthRequestService{
		requests: requests,
		users:    users,
		devices:  devices,
		verifier: verifier,
		tokens:   tokens,
		push:     push,
		logger:   logger,
		ttl:      ttl,
	}
}

// CreateAuthRequest is the unauthenticated input from the requesting
// device.
type CreateAuthRequest struct {
	Email      string
	DeviceID   string
	DeviceType int
	PublicKey  string
	IP         string
}

// AuthRequestView is what either side of the handshake sees. The access
// code is included only in the response to Create.
type AuthRequestView struct {
	ID                 string
	PublicKey          string
	RequestDeviceID    string
	RequestIP          string
	AccessCode         string
	State              models.ApprovalState
	EncKey             *string
	MasterPasswordHash *string
	CreationDate       time.Time
	ResponseDate       *time.Time
}

// Create opens a handshake. It never reveals whether the email maps to
// an account: unknown addresses get a plausible request ID that no
// trusted device will ever see.
func (s *AuthRequestService) Create(ctx context.Context, req *CreateAuthRequest) (*AuthRequestView, error) {
	if req.Email == "" || req.DeviceID == "" || req.PublicKey == "" {
		return nil, models.ErrBadRequest
	}

	accessCode, err := generateAccessCode()
	if err != nil {
		s.logger.Error("failed to generate access code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	record := &models.AuthRequest{
		ID:                uuid.New().String(),
		RequestDeviceID:   req.DeviceID,
		RequestDeviceType: req.DeviceType,
		RequestIP:         req.IP,
		AccessCode:        accessCode,
		PublicKey:         req.PublicKey,
		CreationDate:      time.Now(),
	}

	user, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Do not leak account existence. The caller gets a request
			// that will simply expire unanswered.
			s.logger.Info("auth request for unknown account")
			return viewOf(record, true), nil
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	record.UserID = user.ID

	if err := s.requests.Create(ctx, record); err != nil {
		s.logger.Error("failed to create auth request", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.notifyDevices(ctx, user.ID, record.ID)

	s.logger.Info("auth request created",
		slog.String("request_id", record.ID),
		slog.String("user_id", user.ID))
	return viewOf(record, true), nil
}

// notifyDevices nudges the user's registered devices so a trusted one
// can surface the approval prompt.
func (s *AuthRequestService) notifyDevices(ctx context.Context, userID, requestID string) {
	devices, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list devices for push", slog.Any("error", err))
		return
	}
	for _, d := range devices {
		if err := s.push.SendAuthRequest(ctx, d, requestID); err != nil {
			s.logger.Warn("failed to push auth request",
				slog.String("device_id", d.ID), slog.Any("error", err))
		}
	}
}

// notifyResolved nudges registered devices after a resolution so stale
// approval prompts get dismissed.
func (s *AuthRequestService) notifyResolved(ctx context.Context, userID string) {
	devices, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list devices for push", slog.Any("error", err))
		return
	}
	for _, d := range devices {
		if err := s.push.SendSyncNotice(ctx, d); err != nil {
			s.logger.Warn("failed to push sync notice",
				slog.String("device_id", d.ID), slog.Any("error", err))
		}
	}
}

// Poll returns the request state to the unauthenticated requesting
// device. The access code is the bearer credential here.
func (s *AuthRequestService) Poll(ctx context.Context, id, accessCode string) (*AuthRequestView, error) {
	record, err := s.getForRequester(ctx, id, accessCode)
	if err != nil {
		return nil, err
	}
	return viewOf(record, false), nil
}

// ListPending returns the open requests a trusted device should offer
// for approval. Access codes are never included.
func (s *AuthRequestService) ListPending(ctx context.Context, userID string) ([]*AuthRequestView, error) {
	records, err := s.requests.ListPendingByUser(ctx, userID, time.Now().Add(-s.ttl))
	if err != nil {
		s.logger.Error("failed to list pending auth requests", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	views := make([]*AuthRequestView, 0, len(records))
	for _, r := range records {
		views = append(views, viewOf(r, false))
	}
	return views, nil
}

// Get returns one request to its owner on a trusted device.
func (s *AuthRequestService) Get(ctx context.Context, userID, id string) (*AuthRequestView, error) {
	record, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get auth request", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if record.UserID != userID {
		return nil, models.ErrNotFound
	}
	return viewOf(record, false), nil
}

// RespondRequest is the trusted device's resolution.
type RespondRequest struct {
	DeviceID string
	Approved bool
	// Set on approval: the vault key encrypted to the requester's public
	// key, and a fresh master-password proof from the approver.
	EncKey             string
	MasterPasswordHash string
}

// Respond resolves a pending request exactly once. Approval demands a
// fresh master-password proof from the approving device. A request that
// was already resolved or has expired reports
// ErrRequestAlreadyResolved or ErrRequestExpired respectively.
func (s *AuthRequestService) Respond(ctx context.Context, userID, id string, req *RespondRequest) (*AuthRequestView, error) {
	record, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get auth request", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if record.UserID != userID {
		return nil, models.ErrNotFound
	}
	if record.State() != models.ApprovalPending {
		return nil, models.ErrRequestAlreadyResolved
	}
	if record.Expired(s.ttl, time.Now()) {
		return nil, models.ErrRequestExpired
	}

	var encKey, mpHash *string
	if req.Approved {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			s.logger.Error("failed to get user for approval", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		if ok, _ := s.verifier.Verify(user, req.MasterPasswordHash); !ok {
			s.logger.Info("auth request approval rejected: invalid proof",
				slog.String("request_id", id))
			return nil, models.ErrInvalidCredential
		}
		if req.EncKey == "" {
			return nil, models.ErrBadRequest
		}
		encKey = &req.EncKey
		mpHash = &req.MasterPasswordHash
	}

	resolved, err := s.requests.Respond(ctx, id, req.DeviceID, req.Approved, encKey, mpHash)
	if err != nil {
		if errors.Is(err, models.ErrRequestAlreadyResolved) {
			return nil, models.ErrRequestAlreadyResolved
		}
		s.logger.Error("failed to resolve auth request", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.notifyResolved(ctx, userID)

	s.logger.Info("auth request resolved",
		slog.String("request_id", id),
		slog.Bool("approved", req.Approved))
	return viewOf(resolved, false), nil
}

// Claim exchanges an approved request for a session. It succeeds at most
// once per request; the requesting device proves possession of the
// access code.
func (s *AuthRequestService) Claim(ctx context.Context, id, accessCode, deviceName string) (*SessionResponse, *AuthRequestView, error) {
	record, err := s.getForRequester(ctx, id, accessCode)
	if err != nil {
		return nil, nil, err
	}
	if record.State() != models.ApprovalApproved {
		return nil, nil, models.ErrForbidden
	}

	claimed, err := s.requests.MarkAuthenticated(ctx, id)
	if err != nil {
		s.logger.Error("failed to mark auth request authenticated", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	if !claimed {
		return nil, nil, models.ErrRequestAlreadyResolved
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		s.logger.Error("failed to get user for claim", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	refreshToken, err := s.tokens.GenerateRefreshToken(user, record.RequestDeviceID)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	accessToken, err := s.tokens.GenerateAccessToken(user, record.RequestDeviceID)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	if _, err := s.devices.Upsert(ctx, &models.Device{
		ID:           record.RequestDeviceID,
		UserID:       user.ID,
		Name:         deviceName,
		Type:         record.RequestDeviceType,
		RefreshToken: refreshToken,
	}); err != nil {
		s.logger.Error("failed to upsert device", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	s.logger.Info("auth request claimed",
		slog.String("request_id", id),
		slog.String("user_id", user.ID))
	return &SessionResponse{AccessToken: accessToken, RefreshToken: refreshToken}, viewOf(record, false), nil
}

func (s *AuthRequestService) getForRequester(ctx context.Context, id, accessCode string) (*models.AuthRequest, error) {
	record, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get auth request", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if subtle.ConstantTimeCompare([]byte(record.AccessCode), []byte(accessCode)) != 1 {
		return nil, models.ErrNotFound
	}
	if record.Expired(s.ttl, time.Now()) && record.State() == models.ApprovalPending {
		return nil, models.ErrRequestExpired
	}
	return record, nil
}

func viewOf(record *models.AuthRequest, includeAccessCode bool) *AuthRequestView {
	view := &AuthRequestView{
		ID:                 record.ID,
		PublicKey:          record.PublicKey,
		RequestDeviceID:    record.RequestDeviceID,
		RequestIP:          record.RequestIP,
		State:              record.State(),
		EncKey:             record.EncKey,
		MasterPasswordHash: record.MasterPasswordHash,
		CreationDate:       record.CreationDate,
		ResponseDate:       record.ResponseDate,
	}
	if includeAccessCode {
		view.AccessCode = record.AccessCode
	}
	return view
}

func generateAccessCode() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate access code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

package services

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/twofactor"
)

// UserStore defines the interface for user persistence
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateCredentials(ctx context.Context, user *models.User, newStamp string) (*models.User, error)
}

// DeviceStore defines the interface for device persistence
type DeviceStore interface {
	GetByID(ctx context.Context, userID, deviceID string) (*models.Device, error)
	Upsert(ctx context.Context, device *models.Device) (*models.Device, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (*models.Device, error)
	UpdateRefreshToken(ctx context.Context, deviceID, refreshToken string) error
	ListByUser(ctx context.Context, userID string) ([]*models.Device, error)
}

// TwoFactorStore defines the interface for two-factor persistence used
// during login.
type TwoFactorStore interface {
	GetMethod(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error)
	ListEnabledMethods(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error)
	UpsertPendingLogin(ctx context.Context, pending *models.PendingTwoFactorLogin) (bool, error)
	GetPendingLogin(ctx context.Context, userID, deviceID string) (*models.PendingTwoFactorLogin, error)
	DeletePendingLogin(ctx context.Context, userID, deviceID string, loginTime time.Time) (bool, error)
}

// LoginRequest carries one password-grant attempt.
type LoginRequest struct {
	Email         string
	PasswordProof string
	DeviceID      string
	DeviceName    string
	DeviceType    int
	IP            string

	// Step-up fields, present on the second leg of a two-factor login.
	TwoFactorProvider *models.TwoFactorProviderType
	TwoFactorToken    string
	TwoFactorRemember bool
}

// SessionResponse is a completed login.
type SessionResponse struct {
	AccessToken            string
	RefreshToken           string
	TwoFactorRememberToken string
	// True when the account's client KDF cost is below the configured
	// floor. Surfaced so the client can prompt for a KDF upgrade, which
	// requires re-deriving the proof client-side.
	KdfUpgradeRecommended bool
}

// TwoFactorChallenge accompanies ErrTwoFactorRequired: which providers
// the client may answer with, and the prepared challenge for the
// preferred one.
type TwoFactorChallenge struct {
	Providers []models.TwoFactorProviderType
	Preferred models.TwoFactorProviderType
	Challenge any
}

// LoginService owns the password grant: credential verification,
// two-factor escalation, and session issuance.
type LoginService struct {
	users     UserStore
	devices   DeviceStore
	twofa     TwoFactorStore
	verifier  *auth.CredentialVerifier
	tokens    *auth.TokenManager
	registry  *twofactor.Registry
	remember  *twofactor.RememberProvider
	mailer    Mailer
	timing    *auth.TimingDelay
	logger    *slog.Logger
	pendingTTL time.Duration
}

func NewLoginService(
	users UserStore,
	devices DeviceStore,
	twofa TwoFactorStore,
	verifier *auth.CredentialVerifier,
	tokens *auth.TokenManager,
	registry *twofactor.Registry,
	remember *twofactor.RememberProvider,
	mailer Mailer,
	timing *auth.TimingDelay,
	logger *slog.Logger,
	pendingTTL time.Duration,
) *LoginService {
	return &LoginService{
		users:      users,
		devices:    devices,
		twofa:      twofa,
		verifier:   verifier,
		tokens:     tokens,
		registry:   registry,
		remember:   remember,
		mailer:     mailer,
		timing:     timing,
		logger:     logger,
		pendingTTL: pendingTTL,
	}
}

// Login runs the password grant. On success it returns a session. When
// the account has two-factor enabled and the request carries no valid
// step-up response, it returns ErrTwoFactorRequired together with a
// TwoFactorChallenge describing what the client must answer.
func (s *LoginService) Login(ctx context.Context, req *LoginRequest) (*SessionResponse, *TwoFactorChallenge, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.PasswordProof == "" || req.DeviceID == "" {
		return nil, nil, models.ErrBadRequest
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("login failed: unknown account")
			s.timing.Wait(false)
			return nil, nil, models.ErrInvalidCredential
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	if !user.Enabled {
		s.logger.Info("login blocked: account disabled", slog.String("user_id", user.ID))
		s.timing.Wait(false)
		return nil, nil, models.ErrForbidden
	}

	ok, needsRehash := s.verifier.Verify(user, req.PasswordProof)
	if !ok {
		s.logger.Info("login failed: invalid credentials", slog.String("user_id", user.ID))
		s.timing.Wait(false)
		return nil, nil, models.ErrInvalidCredential
	}
	s.timing.Wait(true)

	if needsRehash {
		s.logger.Warn("account KDF cost below floor, client upgrade recommended",
			slog.String("user_id", user.ID),
			slog.Int("kdf_type", user.KdfType),
			slog.Int("kdf_iterations", user.KdfIterations))
	}

	methods, err := s.twofa.ListEnabledMethods(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to list two-factor methods", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	if len(methods) == 0 {
		return s.issueSession(ctx, user, req, needsRehash, false, false)
	}

	if req.TwoFactorProvider != nil && req.TwoFactorToken != "" {
		return s.completeTwoFactor(ctx, user, req, needsRehash)
	}

	return s.beginTwoFactor(ctx, user, req, methods)
}

// beginTwoFactor parks the verified password login on a pending row and
// prepares the preferred provider's challenge.
func (s *LoginService) beginTwoFactor(ctx context.Context, user *models.User, req *LoginRequest, methods []*models.TwoFactorMethod) (*SessionResponse, *TwoFactorChallenge, error) {
	pending := &models.PendingTwoFactorLogin{
		UserID:     user.ID,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
		IP:         req.IP,
		LoginTime:  time.Now(),
	}

	inserted, err := s.twofa.UpsertPendingLogin(ctx, pending)
	if err != nil {
		s.logger.Error("failed to create pending login", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	if inserted {
		// A fresh pending row means a login attempt from a device with no
		// attempt in flight. Retries on the same device replace the row
		// without notifying again.
		if err := s.mailer.SendNewDeviceNotice(ctx, user.Email, req.DeviceName, req.IP); err != nil {
			s.logger.Error("failed to send new login notice", slog.Any("error", err))
		}
	}

	challenge := &TwoFactorChallenge{}
	for _, m := range methods {
		challenge.Providers = append(challenge.Providers, m.Type)
	}

	preferred, ok := s.registry.Preferred(methods)
	if !ok {
		// Methods exist but none have a configured provider. Treat as a
		// hard failure rather than silently skipping the second factor.
		s.logger.Error("no configured provider for enabled two-factor methods",
			slog.String("user_id", user.ID))
		return nil, nil, models.ErrInternalServer
	}
	challenge.Preferred = preferred

	provider, _ := s.registry.Provider(preferred)
	method := methodOfType(methods, preferred)
	payload, err := provider.Challenge(ctx, user, method, pending)
	if err != nil {
		s.logger.Error("failed to prepare two-factor challenge",
			slog.String("provider", preferred.String()), slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	challenge.Challenge = payload

	return nil, challenge, models.ErrTwoFactorRequired
}

// completeTwoFactor verifies the step-up response against the pending
// login and finishes the session.
func (s *LoginService) completeTwoFactor(ctx context.Context, user *models.User, req *LoginRequest, needsRehash bool) (*SessionResponse, *TwoFactorChallenge, error) {
	providerType := *req.TwoFactorProvider

	// Remembered devices bypass the pending-login machinery entirely.
	if providerType == models.ProviderRemember {
		scope := &models.PendingTwoFactorLogin{UserID: user.ID, DeviceID: req.DeviceID}
		if err := s.remember.Verify(ctx, user, nil, scope, req.TwoFactorToken); err != nil {
			s.logger.Info("remember token rejected", slog.String("user_id", user.ID))
			return nil, nil, models.ErrTwoFactorInvalid
		}
		return s.issueSession(ctx, user, req, needsRehash, false, false)
	}

	pending, err := s.twofa.GetPendingLogin(ctx, user.ID, req.DeviceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrTwoFactorInvalid
		}
		s.logger.Error("failed to get pending login", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	if pending.Expired(s.pendingTTL, time.Now()) {
		_, _ = s.twofa.DeletePendingLogin(ctx, user.ID, req.DeviceID, pending.LoginTime)
		return nil, nil, models.ErrRequestExpired
	}

	method, err := s.twofa.GetMethod(ctx, user.ID, providerType)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrTwoFactorInvalid
		}
		s.logger.Error("failed to get two-factor method", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	if !method.Enabled {
		return nil, nil, models.ErrTwoFactorInvalid
	}

	if err := s.registry.Verify(ctx, user, method, pending, req.TwoFactorToken, req.IP); err != nil {
		return nil, nil, err
	}

	// Best effort: an expired pending row already swept is fine, the
	// verification above is what gated the session.
	if _, err := s.twofa.DeletePendingLogin(ctx, user.ID, req.DeviceID, pending.LoginTime); err != nil {
		s.logger.Error("failed to delete pending login", slog.Any("error", err))
	}

	// The notice for this attempt went out when the pending row was
	// created, completing the challenge must not notify a second time.
	return s.issueSession(ctx, user, req, needsRehash, req.TwoFactorRemember, true)
}

// issueSession registers or refreshes the device and mints the token
// pair. First-time devices trigger a notification email.
func (s *LoginService) issueSession(ctx context.Context, user *models.User, req *LoginRequest, needsRehash, issueRemember, noticed bool) (*SessionResponse, *TwoFactorChallenge, error) {
	isNewDevice := false
	if _, err := s.devices.GetByID(ctx, user.ID, req.DeviceID); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to look up device", slog.Any("error", err))
			return nil, nil, models.ErrInternalServer
		}
		isNewDevice = true
	}

	refreshToken, err := s.tokens.GenerateRefreshToken(user, req.DeviceID)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}
	accessToken, err := s.tokens.GenerateAccessToken(user, req.DeviceID)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	if _, err := s.devices.Upsert(ctx, &models.Device{
		ID:           req.DeviceID,
		UserID:       user.ID,
		Name:         req.DeviceName,
		Type:         req.DeviceType,
		RefreshToken: refreshToken,
	}); err != nil {
		s.logger.Error("failed to upsert device", slog.Any("error", err))
		return nil, nil, models.ErrInternalServer
	}

	if isNewDevice && !noticed {
		if err := s.mailer.SendNewDeviceNotice(ctx, user.Email, req.DeviceName, req.IP); err != nil {
			s.logger.Error("failed to send new device notice", slog.Any("error", err))
		}
	}

	resp := &SessionResponse{
		AccessToken:           accessToken,
		RefreshToken:          refreshToken,
		KdfUpgradeRecommended: needsRehash,
	}

	if issueRemember {
		token, err := s.remember.Issue(user.ID, req.DeviceID)
		if err != nil {
			s.logger.Error("failed to issue remember token", slog.Any("error", err))
		} else {
			resp.TwoFactorRememberToken = token
		}
	}

	s.logger.Info("login succeeded",
		slog.String("user_id", user.ID),
		slog.String("device_id", req.DeviceID),
		slog.Bool("new_device", isNewDevice))

	return resp, nil, nil
}

// Refresh rotates a refresh token. The presented token must match the
// one stored on the device row, and the embedded security stamp must
// still be current.
func (s *LoginService) Refresh(ctx context.Context, refreshToken string) (*SessionResponse, error) {
	claims, err := s.tokens.ValidateToken(refreshToken)
	if err != nil || claims.Type != "refresh" {
		return nil, models.ErrInvalidCredential
	}

	device, err := s.devices.GetByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidCredential
		}
		s.logger.Error("failed to get device by refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.users.GetByID(ctx, device.UserID)
	if err != nil {
		s.logger.Error("failed to get user for refresh", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !user.Enabled {
		return nil, models.ErrForbidden
	}
	if claims.SecurityStamp != user.SecurityStamp {
		return nil, models.ErrStaleSecurityStamp
	}

	newRefresh, err := s.tokens.GenerateRefreshToken(user, device.ID)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	accessToken, err := s.tokens.GenerateAccessToken(user, device.ID)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.devices.UpdateRefreshToken(ctx, device.ID, newRefresh); err != nil {
		s.logger.Error("failed to rotate refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &SessionResponse{AccessToken: accessToken, RefreshToken: newRefresh}, nil
}

// ChangePasswordRequest carries a credential rotation. The client
// re-derives everything locally; the server only verifies the old proof
// and swaps the stored material in one atomic statement.
type ChangePasswordRequest struct {
	CurrentProof   string
	NewProof       string
	KdfType        int
	KdfIterations  int
	KdfMemory      *int
	KdfParallelism *int
}

// ChangePassword rotates the stored verifier, KDF parameters, and
// security stamp. The stamp rotation invalidates every outstanding
// session on every device.
func (s *LoginService) ChangePassword(ctx context.Context, userID string, req *ChangePasswordRequest) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to get user for password change", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if ok, _ := s.verifier.Verify(user, req.CurrentProof); !ok {
		s.logger.Info("password change rejected: invalid current proof",
			slog.String("user_id", userID))
		return models.ErrInvalidCredential
	}

	salt, err := auth.GenerateSalt()
	if err != nil {
		s.logger.Error("failed to generate salt", slog.Any("error", err))
		return models.ErrInternalServer
	}

	user.KdfType = req.KdfType
	user.KdfIterations = req.KdfIterations
	user.KdfMemory = req.KdfMemory
	user.KdfParallelism = req.KdfParallelism
	user.Salt = base64.StdEncoding.EncodeToString(salt)
	user.PasswordHash = s.verifier.Hash(req.NewProof, salt, user)

	if _, err := s.users.UpdateCredentials(ctx, user, auth.GenerateSecurityStamp()); err != nil {
		s.logger.Error("failed to update credentials", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("password changed, all sessions revoked", slog.String("user_id", userID))
	return nil
}

func methodOfType(methods []*models.TwoFactorMethod, t models.TwoFactorProviderType) *models.TwoFactorMethod {
	for _, m := range methods {
		if m.Type == t {
			return m
		}
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/auth"
	"github.com/vaultgate/vaultgate/internal/models"
	"github.com/vaultgate/vaultgate/internal/twofactor"
)

// TwoFactorMethodStore defines the interface for method enrollment
// persistence.
type TwoFactorMethodStore interface {
	GetMethod(ctx context.Context, userID string, providerType models.TwoFactorProviderType) (*models.TwoFactorMethod, error)
	ListEnabledMethods(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error)
	SaveMethodRotateStamp(ctx context.Context, method *models.TwoFactorMethod, newStamp string) error
	DeleteMethodRotateStamp(ctx context.Context, userID string, providerType models.TwoFactorProviderType, newStamp string) error
}

// TwoFactorService manages enrollment: enabling, proving, and disabling
// step-up methods. Every mutation demands a fresh master-password proof
// so a hijacked session cannot weaken the account.
// DuoChecker is the Duo control-plane surface enrollment needs. Nil
// when the server has no Duo tenant configured.
type DuoChecker interface {
	Preauth(ctx context.Context, user *models.User) error
}

type TwoFactorService struct {
	methods  TwoFactorMethodStore
	users    UserStore
	verifier *auth.CredentialVerifier
	totp     *twofactor.TOTPProvider
	webauthn *twofactor.WebAuthnProvider
	duo      DuoChecker
	logger   *slog.Logger
}

func NewTwoFactorService(
	methods TwoFactorMethodStore,
	users UserStore,
	verifier *auth.CredentialVerifier,
	totp *twofactor.TOTPProvider,
	webauthn *twofactor.WebAuthnProvider,
	duo DuoChecker,
	logger *slog.Logger,
) *TwoFactorService {
	return &TwoFactorService{
		methods:  methods,
		users:    users,
		verifier: verifier,
		totp:     totp,
		webauthn: webauthn,
		duo:      duo,
		logger:   logger,
	}
}

// requireProof loads the user and checks a fresh master-password proof.
func (s *TwoFactorService) requireProof(ctx context.Context, userID, proof string) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		s.logger.Error("failed to get user", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if ok, _ := s.verifier.Verify(user, proof); !ok {
		s.logger.Info("two-factor change rejected: invalid proof",
			slog.String("user_id", userID))
		return nil, models.ErrInvalidCredential
	}
	return user, nil
}

// ListMethods returns the user's enabled providers.
func (s *TwoFactorService) ListMethods(ctx context.Context, userID string) ([]*models.TwoFactorMethod, error) {
	methods, err := s.methods.ListEnabledMethods(ctx, userID)
	if err != nil {
		s.logger.Error("failed to list two-factor methods", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return methods, nil
}

// TOTPEnrollment is a freshly generated seed awaiting confirmation.
type TOTPEnrollment struct {
	Secret string
	QRCode string // data URL for authenticator apps
}

// BeginTOTP generates a secret and QR code. Nothing is enabled until the
// user proves possession with a valid code in EnableTOTP.
func (s *TwoFactorService) BeginTOTP(ctx context.Context, userID, proof string) (*TOTPEnrollment, error) {
	user, err := s.requireProof(ctx, userID, proof)
	if err != nil {
		return nil, err
	}

	secret, qr, err := s.totp.GenerateSecret(user.Email)
	if err != nil {
		s.logger.Error("failed to generate totp secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return &TOTPEnrollment{Secret: secret, QRCode: qr}, nil
}

// EnableTOTP turns the authenticator method on after the user submits a
// valid code generated from the new secret.
func (s *TwoFactorService) EnableTOTP(ctx context.Context, userID, proof, secret, code string) error {
	if _, err := s.requireProof(ctx, userID, proof); err != nil {
		return err
	}
	if !s.totp.ValidateEnrollment(secret, code) {
		return models.ErrTwoFactorInvalid
	}

	if err := s.methods.SaveMethodRotateStamp(ctx, &models.TwoFactorMethod{
		ID:      uuid.New().String(),
		UserID:  userID,
		Type:    models.ProviderAuthenticator,
		Enabled: true,
		Data:    []byte(secret),
	}, auth.GenerateSecurityStamp()); err != nil {
		s.logger.Error("failed to save totp method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("totp enabled", slog.String("user_id", userID))
	return nil
}

// EnableEmail turns on mailed one-time codes. The account email is the
// destination; no extra secret is stored.
func (s *TwoFactorService) EnableEmail(ctx context.Context, userID, proof string) error {
	if _, err := s.requireProof(ctx, userID, proof); err != nil {
		return err
	}

	if err := s.methods.SaveMethodRotateStamp(ctx, &models.TwoFactorMethod{
		ID:      uuid.New().String(),
		UserID:  userID,
		Type:    models.ProviderEmail,
		Enabled: true,
	}, auth.GenerateSecurityStamp()); err != nil {
		s.logger.Error("failed to save email method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("email two-factor enabled", slog.String("user_id", userID))
	return nil
}

// EnableDuo turns Duo on for the account. Verification runs against the
// server's configured Duo tenant, so enrollment first checks the
// account is known to that tenant.
func (s *TwoFactorService) EnableDuo(ctx context.Context, userID, proof string) error {
	user, err := s.requireProof(ctx, userID, proof)
	if err != nil {
		return err
	}
	if s.duo == nil {
		return models.ErrBadRequest
	}
	if err := s.duo.Preauth(ctx, user); err != nil {
		return err
	}

	if err := s.methods.SaveMethodRotateStamp(ctx, &models.TwoFactorMethod{
		ID:      uuid.New().String(),
		UserID:  userID,
		Type:    models.ProviderDuo,
		Enabled: true,
	}, auth.GenerateSecurityStamp()); err != nil {
		s.logger.Error("failed to save duo method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("duo enabled", slog.String("user_id", userID))
	return nil
}

// EnableYubiKey registers a key by its OTP's 12-character public ID.
func (s *TwoFactorService) EnableYubiKey(ctx context.Context, userID, proof, otp string) error {
	if _, err := s.requireProof(ctx, userID, proof); err != nil {
		return err
	}
	if len(otp) <= 12 {
		return models.ErrBadRequest
	}

	if err := s.methods.SaveMethodRotateStamp(ctx, &models.TwoFactorMethod{
		ID:      uuid.New().String(),
		UserID:  userID,
		Type:    models.ProviderYubiKey,
		Enabled: true,
		Data:    []byte(otp[:12]),
	}, auth.GenerateSecurityStamp()); err != nil {
		s.logger.Error("failed to save yubikey method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("yubikey enabled", slog.String("user_id", userID))
	return nil
}

// BeginWebAuthnRegistration starts a credential ceremony and parks the
// session data in a disabled method row.
func (s *TwoFactorService) BeginWebAuthnRegistration(ctx context.Context, userID, proof string) (any, error) {
	user, err := s.requireProof(ctx, userID, proof)
	if err != nil {
		return nil, err
	}

	existing, err := s.methods.GetMethod(ctx, userID, models.ProviderWebAuthn)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to get webauthn method", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// The provider persists the in-flight session on the method row.
	options, _, err := s.webauthn.BeginRegistration(ctx, user, existing)
	if err != nil {
		s.logger.Error("failed to begin webauthn registration", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return options, nil
}

// FinishWebAuthnRegistration completes the ceremony and enables the
// method.
func (s *TwoFactorService) FinishWebAuthnRegistration(ctx context.Context, userID, proof, response string) error {
	user, err := s.requireProof(ctx, userID, proof)
	if err != nil {
		return err
	}

	method, err := s.methods.GetMethod(ctx, userID, models.ProviderWebAuthn)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrBadRequest
		}
		s.logger.Error("failed to get webauthn method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.webauthn.FinishRegistration(ctx, user, method, response); err != nil {
		s.logger.Info("webauthn registration rejected",
			slog.String("user_id", userID), slog.Any("error", err))
		return models.ErrTwoFactorInvalid
	}
	if err := s.methods.SaveMethodRotateStamp(ctx, method, auth.GenerateSecurityStamp()); err != nil {
		s.logger.Error("failed to save webauthn method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("webauthn credential registered", slog.String("user_id", userID))
	return nil
}

// Disable removes one provider from the account.
func (s *TwoFactorService) Disable(ctx context.Context, userID, proof string, providerType models.TwoFactorProviderType) error {
	if _, err := s.requireProof(ctx, userID, proof); err != nil {
		return err
	}

	if err := s.methods.DeleteMethodRotateStamp(ctx, userID, providerType, auth.GenerateSecurityStamp()); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to delete two-factor method", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("two-factor method disabled",
		slog.String("user_id", userID),
		slog.String("provider", providerType.String()))
	return nil
}


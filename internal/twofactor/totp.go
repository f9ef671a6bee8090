package twofactor

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/vaultgate/vaultgate/internal/models"
)

const totpPeriod = 30

// StepClaimer marks a TOTP time step as consumed so the same code
// cannot be accepted twice within the skew window.
type StepClaimer interface {
	ClaimTOTPStep(ctx context.Context, userID string, step int64) (bool, error)
}

// TOTPProvider validates authenticator-app codes with a ±1 step
// tolerance. The method's data blob holds the base32 seed.
type TOTPProvider struct {
	steps  StepClaimer
	issuer string
}

func NewTOTPProvider(steps StepClaimer, issuer string) *TOTPProvider {
	return &TOTPProvider{steps: steps, issuer: issuer}
}

func (p *TOTPProvider) Kind() models.TwoFactorProviderType {
	return models.ProviderAuthenticator
}

// GenerateSecret creates a new seed and a QR provisioning data URL for
// enrollment.
func (p *TOTPProvider) GenerateSecret(accountName string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		SecretSize:  32,
		Period:      totpPeriod,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return "", "", fmt.Errorf("failed to create QR code: %w", err)
	}

	qrImage, err := qr.PNG(200)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode QR code: %w", err)
	}

	qrDataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage)
	return key.Secret(), qrDataURL, nil
}

// Challenge is a no-op: the code lives in the user's authenticator app.
func (p *TOTPProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	return nil, nil
}

// Verify checks the code against the current step and its neighbors,
// then claims the matched step. A replay of an accepted code finds the
// step already consumed and is rejected.
func (p *TOTPProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	step, ok := matchCode(string(method.Data), response, time.Now())
	if !ok {
		return models.ErrTwoFactorInvalid
	}

	claimed, err := p.steps.ClaimTOTPStep(ctx, user.ID, step)
	if err != nil {
		return fmt.Errorf("failed to claim TOTP step: %w", err)
	}
	if !claimed {
		return models.ErrTwoFactorInvalid
	}
	return nil
}

// ValidateEnrollment checks the first code against a not-yet-saved
// secret, skipping the step claim.
func (p *TOTPProvider) ValidateEnrollment(secret, code string) bool {
	_, ok := matchCode(secret, code, time.Now())
	return ok
}

// matchCode tries the ±1 step window and returns the step the code
// matched, so the caller can persist it for replay rejection.
func matchCode(secret, code string, now time.Time) (int64, bool) {
	opts := totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	for _, offset := range []int{0, -1, 1} {
		at := now.Add(time.Duration(offset) * totpPeriod * time.Second)
		expected, err := totp.GenerateCodeCustom(secret, at, opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return at.Unix() / totpPeriod, true
		}
	}
	return 0, false
}

package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/vaultgate/vaultgate/internal/models"
)

const emailCodeDigits = 6

// ChallengeStore persists per-login challenge state on the pending row.
type ChallengeStore interface {
	UpdatePendingChallenge(ctx context.Context, userID, deviceID string, emailCodeSum *string, sessionBlob []byte) error
}

// CodeMailer delivers two-factor codes. Delivery is fire-and-forget: a
// send failure is logged but never blocks the login state machine.
type CodeMailer interface {
	SendTwoFactorCode(ctx context.Context, email, code string) error
}

// EmailProvider mails a random numeric code and checks it against the
// hash stored on the pending login.
type EmailProvider struct {
	store  ChallengeStore
	mailer CodeMailer
	logger *slog.Logger
}

func NewEmailProvider(store ChallengeStore, mailer CodeMailer, logger *slog.Logger) *EmailProvider {
	return &EmailProvider{store: store, mailer: mailer, logger: logger}
}

func (p *EmailProvider) Kind() models.TwoFactorProviderType {
	return models.ProviderEmail
}

// Challenge generates a fresh code, stores its hash on the pending
// login, and mails it. Returns a hint of the destination address.
func (p *EmailProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	code, err := generateNumericCode(emailCodeDigits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate email code: %w", err)
	}

	sum := hashCode(code)
	if err := p.store.UpdatePendingChallenge(ctx, user.ID, pending.DeviceID, &sum, nil); err != nil {
		return nil, fmt.Errorf("failed to store email code: %w", err)
	}

	if err := p.mailer.SendTwoFactorCode(ctx, user.Email, code); err != nil {
		p.logger.Error("failed to send two-factor code email",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	return map[string]string{"email": obscureEmail(user.Email)}, nil
}

func (p *EmailProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	if pending.EmailCodeSum == nil {
		return models.ErrTwoFactorInvalid
	}

	candidate := hashCode(response)
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(*pending.EmailCodeSum)) != 1 {
		return models.ErrTwoFactorInvalid
	}
	return nil
}

func generateNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// obscureEmail keeps the first character and the domain: "a***@example.com"
func obscureEmail(email string) string {
	for i, c := range email {
		if c == '@' {
			if i <= 1 {
				return "***" + email[i:]
			}
			return email[:1] + "***" + email[i:]
		}
	}
	return "***"
}

package twofactor

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/vaultgate/vaultgate/internal/models"
)

// rememberClaims scope a remembered-device token to one (user, device).
type rememberClaims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// RememberProvider bypasses the step-up challenge when the client
// presents a still-valid token issued after a previous full two-factor
// login on the same device.
type RememberProvider struct {
	secret   string
	duration time.Duration
}

func NewRememberProvider(secret string, duration time.Duration) *RememberProvider {
	return &RememberProvider{secret: secret, duration: duration}
}

func (p *RememberProvider) Kind() models.TwoFactorProviderType {
	return models.ProviderRemember
}

// Issue mints a remember token after a successful two-factor login.
func (p *RememberProvider) Issue(userID, deviceID string) (string, error) {
	now := time.Now()
	claims := &rememberClaims{
		UserID:   userID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.duration)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(p.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign remember token: %w", err)
	}
	return signed, nil
}

func (p *RememberProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	return nil, nil
}

// Verify accepts a remember token bound to this exact user and device.
func (p *RememberProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	claims := &rememberClaims{}
	token, err := jwt.ParseWithClaims(response, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(p.secret), nil
	})
	if err != nil || !token.Valid {
		return models.ErrTwoFactorInvalid
	}

	if claims.UserID != user.ID || claims.DeviceID != pending.DeviceID {
		return models.ErrTwoFactorInvalid
	}
	return nil
}

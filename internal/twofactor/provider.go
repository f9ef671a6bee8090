package twofactor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vaultgate/vaultgate/internal/models"
)

// Provider is one step-up verification mechanism. The set is closed and
// security-reviewed; there is no open-ended plugin registration.
type Provider interface {
	Kind() models.TwoFactorProviderType

	// Challenge prepares provider-specific state for a pending login
	// (mails a code, mints a WebAuthn assertion request) and returns the
	// payload offered to the client. May be nil for providers whose
	// challenge lives entirely on the client.
	Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error)

	// Verify checks the client's response. Returns
	// models.ErrTwoFactorInvalid on a wrong or replayed response.
	Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error
}

// AttemptStore records verification attempts for backoff.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt *models.TwoFactorAttempt) error
	CountFailedAttempts(ctx context.Context, userID string, providerType models.TwoFactorProviderType, since time.Time) (int, error)
}

// preferredOrder is the deterministic default offered to clients when
// multiple providers are enabled. Strongest first.
var preferredOrder = []models.TwoFactorProviderType{
	models.ProviderWebAuthn,
	models.ProviderDuo,
	models.ProviderYubiKey,
	models.ProviderAuthenticator,
	models.ProviderEmail,
}

// Registry dispatches challenges and verifications over the closed
// provider set and owns the failure-count backoff.
type Registry struct {
	providers   map[models.TwoFactorProviderType]Provider
	attempts    AttemptStore
	maxAttempts int
	window      time.Duration
	logger      *slog.Logger
}

func NewRegistry(attempts AttemptStore, maxAttempts int, window time.Duration, logger *slog.Logger, providers ...Provider) *Registry {
	m := make(map[models.TwoFactorProviderType]Provider, len(providers))
	for _, p := range providers {
		m[p.Kind()] = p
	}
	return &Registry{
		providers:   m,
		attempts:    attempts,
		maxAttempts: maxAttempts,
		window:      window,
		logger:      logger,
	}
}

// Provider returns the registered provider for a type.
func (r *Registry) Provider(t models.TwoFactorProviderType) (Provider, bool) {
	p, ok := r.providers[t]
	return p, ok
}

// Preferred returns the default provider offered to the client, chosen
// deterministically from the user's enabled methods.
func (r *Registry) Preferred(enabled []*models.TwoFactorMethod) (models.TwoFactorProviderType, bool) {
	for _, t := range preferredOrder {
		for _, m := range enabled {
			if m.Type == t && m.Enabled {
				if _, ok := r.providers[t]; ok {
					return t, true
				}
			}
		}
	}
	return 0, false
}

// Verify dispatches to the provider after checking the failure budget.
// Failures are counted per (user, provider); exceeding the budget within
// the window reports ErrTwoFactorRateLimited instead of retrying.
func (r *Registry) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response, ip string) error {
	provider, ok := r.providers[method.Type]
	if !ok {
		return models.ErrBadRequest
	}

	failed, err := r.attempts.CountFailedAttempts(ctx, user.ID, method.Type, time.Now().Add(-r.window))
	if err != nil {
		r.logger.Error("failed to check two-factor attempt count", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if failed >= r.maxAttempts {
		r.logger.Warn("two-factor rate limit exceeded",
			slog.String("user_id", user.ID),
			slog.String("provider", method.Type.String()),
			slog.Int("failures", failed))
		return models.ErrTwoFactorRateLimited
	}

	verifyErr := provider.Verify(ctx, user, method, pending, response)
	success := verifyErr == nil

	if err := r.attempts.RecordAttempt(ctx, &models.TwoFactorAttempt{
		UserID:      user.ID,
		Provider:    method.Type,
		IP:          ip,
		Success:     success,
		AttemptedAt: time.Now(),
	}); err != nil {
		r.logger.Error("failed to record two-factor attempt", slog.Any("error", err))
	}

	if verifyErr != nil && !errors.Is(verifyErr, models.ErrDependencyUnavailable) {
		return models.ErrTwoFactorInvalid
	}
	return verifyErr
}

package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/vaultgate/vaultgate/internal/models"
	"golang.org/x/oauth2"
)

// SsoStore defines the interface for SSO exchange-state persistence.
type SsoStore interface {
	CreateState(ctx context.Context, state *models.SsoExchangeState) error
	GetState(ctx context.Context, state string) (*models.SsoExchangeState, error)
	StoreAuthResponse(ctx context.Context, state, code, authResponse string) error
	ConsumeState(ctx context.Context, state string) (*models.SsoExchangeState, error)
	GetSsoUserByIdentifier(ctx context.Context, identifier string) (*models.SsoUser, error)
	CreateSsoUser(ctx context.Context, link *models.SsoUser) error
}

// SsoService brokers the Authorization Code + PKCE exchange between a
// native client, the browser it opened, and the external identity
// provider. The state row in the database is the only rendezvous between
// the two legs.
type SsoService struct {
	store    SsoStore
	users    UserStore
	devices  DeviceStore
	tokens   *TokenIssuer
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	logger   *slog.Logger
	stateTTL time.Duration
}

// TokenIssuer narrows the session-issuance surface the SSO flow needs.
type TokenIssuer struct {
	Access  func(user *models.User, deviceID string) (string, error)
	Refresh func(user *models.User, deviceID string) (string, error)
}

// NewSsoService performs OIDC discovery against the configured issuer.
// Discovery failure is fatal: the service refuses to start with SSO
// enabled but unverifiable.
func NewSsoService(
	ctx context.Context,
	store SsoStore,
	users UserStore,
	devices DeviceStore,
	tokens *TokenIssuer,
	issuerURL, clientID, clientSecret, redirectURL string,
	scopes []string,
	stateTTL time.Duration,
	logger *slog.Logger,
) (*SsoService, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", issuerURL, err)
	}

	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &SsoService{
		store:    store,
		users:    users,
		devices:  devices,
		tokens:   tokens,
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		logger:   logger,
		stateTTL: stateTTL,
	}, nil
}

// SsoBeginResponse points the client's browser at the provider.
type SsoBeginResponse struct {
	AuthURL string
	State   string
}

// Begin creates the exchange state and builds the provider authorization
// URL with a PKCE S256 challenge and a nonce bound to the state row.
func (s *SsoService) Begin(ctx context.Context, redirectURI string) (*SsoBeginResponse, error) {
	state, err := randomToken(32)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	nonce, err := randomToken(32)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	verifier, err := randomToken(48)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	if err := s.store.CreateState(ctx, &models.SsoExchangeState{
		State:       state,
		Nonce:       nonce,
		Verifier:    verifier,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now(),
	}); err != nil {
		s.logger.Error("failed to create sso state", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	challenge := pkceChallenge(verifier)
	authURL := s.oauth.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	return &SsoBeginResponse{AuthURL: authURL, State: state}, nil
}

// Callback is the browser leg: it exchanges the authorization code using
// the stored PKCE verifier, validates the ID token and its nonce, and
// parks the serialized token set in the state row's mailbox for the
// native client to claim.
func (s *SsoService) Callback(ctx context.Context, state, code, redirectURI string) error {
	record, err := s.store.GetState(ctx, state)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrSsoStateMismatch
		}
		s.logger.Error("failed to get sso state", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if record.Expired(s.stateTTL, time.Now()) {
		return models.ErrSsoStateMismatch
	}
	if record.RedirectURI != redirectURI {
		s.logger.Warn("sso callback redirect mismatch", slog.String("state", state))
		return models.ErrRedirectUriMismatch
	}
	if record.AuthResponse != nil {
		// The mailbox is write-once.
		return models.ErrSsoStateMismatch
	}

	token, err := s.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", record.Verifier))
	if err != nil {
		s.logger.Error("sso code exchange failed", slog.Any("error", err))
		return models.ErrDependencyUnavailable
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		s.logger.Error("sso token response missing id_token")
		return models.ErrDependencyUnavailable
	}

	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		s.logger.Warn("sso id token rejected", slog.Any("error", err))
		return models.ErrSsoStateMismatch
	}
	if idToken.Nonce != record.Nonce {
		s.logger.Warn("sso nonce mismatch", slog.String("state", state))
		return models.ErrSsoNonceMismatch
	}

	var claims ssoClaims
	if err := idToken.Claims(&claims); err != nil {
		s.logger.Error("failed to parse sso claims", slog.Any("error", err))
		return models.ErrInternalServer
	}

	blob, err := json.Marshal(&ssoAuthResponse{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
	})
	if err != nil {
		return models.ErrInternalServer
	}

	if err := s.store.StoreAuthResponse(ctx, state, code, string(blob)); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrSsoStateMismatch
		}
		s.logger.Error("failed to store sso auth response", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.logger.Info("sso callback completed", slog.String("subject", idToken.Subject))
	return nil
}

type ssoClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type ssoAuthResponse struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

// ClaimRequest identifies the native client finishing the exchange.
type ClaimRequest struct {
	State      string
	DeviceID   string
	DeviceName string
	DeviceType int
}

// Claim is the native-client leg: it consumes the state row exactly
// once, links or resolves the local account by provider subject, and
// issues a session. A second claim of the same state fails.
func (s *SsoService) Claim(ctx context.Context, req *ClaimRequest) (*SessionResponse, error) {
	if req.State == "" || req.DeviceID == "" {
		return nil, models.ErrBadRequest
	}

	record, err := s.store.ConsumeState(ctx, req.State)
	if err != nil {
		if errors.Is(err, models.ErrSsoStateMismatch) || errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrSsoStateMismatch
		}
		s.logger.Error("failed to consume sso state", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if record.Expired(s.stateTTL, time.Now()) || record.AuthResponse == nil {
		return nil, models.ErrSsoStateMismatch
	}

	var authResp ssoAuthResponse
	if err := json.Unmarshal([]byte(*record.AuthResponse), &authResp); err != nil {
		s.logger.Error("failed to parse stored sso response", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	user, err := s.resolveUser(ctx, &authResp)
	if err != nil {
		return nil, err
	}
	if !user.Enabled {
		return nil, models.ErrForbidden
	}

	refreshToken, err := s.tokens.Refresh(user, req.DeviceID)
	if err != nil {
		s.logger.Error("failed to generate refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	accessToken, err := s.tokens.Access(user, req.DeviceID)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if _, err := s.devices.Upsert(ctx, &models.Device{
		ID:           req.DeviceID,
		UserID:       user.ID,
		Name:         req.DeviceName,
		Type:         req.DeviceType,
		RefreshToken: refreshToken,
	}); err != nil {
		s.logger.Error("failed to upsert device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("sso login completed",
		slog.String("user_id", user.ID),
		slog.String("subject", authResp.Subject))
	return &SessionResponse{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// resolveUser maps a provider subject to a local account. First
// federated login links by verified email; later logins go through the
// stored subject link so a changed email at the provider cannot hijack
// another account.
func (s *SsoService) resolveUser(ctx context.Context, authResp *ssoAuthResponse) (*models.User, error) {
	link, err := s.store.GetSsoUserByIdentifier(ctx, authResp.Subject)
	if err == nil {
		user, err := s.users.GetByID(ctx, link.UserID)
		if err != nil {
			s.logger.Error("sso link points at missing user",
				slog.String("user_id", link.UserID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to look up sso link", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if authResp.Email == "" {
		return nil, models.ErrForbidden
	}
	user, err := s.users.GetByEmail(ctx, authResp.Email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Account provisioning is a registration concern; federated
			// login only links existing accounts.
			return nil, models.ErrForbidden
		}
		s.logger.Error("failed to get user by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.store.CreateSsoUser(ctx, &models.SsoUser{
		UserID:     user.ID,
		Identifier: authResp.Subject,
		CreatedAt:  time.Now(),
	}); err != nil && !errors.Is(err, models.ErrConflict) {
		s.logger.Error("failed to create sso link", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("sso account linked",
		slog.String("user_id", user.ID),
		slog.String("subject", authResp.Subject))
	return user, nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

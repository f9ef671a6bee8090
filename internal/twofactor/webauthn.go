package twofactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/vaultgate/vaultgate/internal/models"
)

// CredentialStore persists the method row when credential state changes
// (registration, sign-count updates).
type CredentialStore interface {
	SaveMethod(ctx context.Context, method *models.TwoFactorMethod) error
}

// webauthnData is the opaque blob stored in the method row: registered
// credential descriptors plus, during enrollment, the in-flight
// registration session.
type webauthnData struct {
	Credentials         []webauthn.Credential `json:"credentials"`
	RegistrationSession *webauthn.SessionData `json:"registration_session,omitempty"`
}

// webauthnUser adapts a User row to the library's ceremony interface.
type webauthnUser struct {
	user        *models.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string                       { return u.user.Email }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.user.Name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

// WebAuthnProvider validates authenticator assertions against stored
// credential descriptors. Ceremony UI is a client concern; the server
// only checks challenge and origin binding.
type WebAuthnProvider struct {
	wa    *webauthn.WebAuthn
	store ChallengeStore
	creds CredentialStore
}

func NewWebAuthnProvider(rpDisplayName, rpID, origin string, store ChallengeStore, creds CredentialStore) (*WebAuthnProvider, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     []string{origin},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}
	return &WebAuthnProvider{wa: wa, store: store, creds: creds}, nil
}

func (p *WebAuthnProvider) Kind() models.TwoFactorProviderType {
	return models.ProviderWebAuthn
}

// Challenge begins an assertion ceremony and parks the session data on
// the pending login so the verify leg can bind to the same challenge.
func (p *WebAuthnProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	data, err := decodeWebauthnData(method.Data)
	if err != nil {
		return nil, err
	}

	waUser := &webauthnUser{user: user, credentials: data.Credentials}
	options, session, err := p.wa.BeginLogin(waUser)
	if err != nil {
		return nil, fmt.Errorf("failed to begin webauthn login: %w", err)
	}

	blob, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webauthn session: %w", err)
	}

	if err := p.store.UpdatePendingChallenge(ctx, user.ID, pending.DeviceID, nil, blob); err != nil {
		return nil, fmt.Errorf("failed to store webauthn session: %w", err)
	}

	return options, nil
}

// Verify validates the assertion against the parked session and the
// stored descriptors, then persists the updated sign counter.
func (p *WebAuthnProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	if len(pending.SessionBlob) == 0 {
		return models.ErrTwoFactorInvalid
	}

	var session webauthn.SessionData
	if err := json.Unmarshal(pending.SessionBlob, &session); err != nil {
		return models.ErrTwoFactorInvalid
	}

	data, err := decodeWebauthnData(method.Data)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return models.ErrTwoFactorInvalid
	}

	waUser := &webauthnUser{user: user, credentials: data.Credentials}
	credential, err := p.wa.ValidateLogin(waUser, session, parsed)
	if err != nil {
		return models.ErrTwoFactorInvalid
	}

	for i := range data.Credentials {
		if string(data.Credentials[i].ID) == string(credential.ID) {
			data.Credentials[i] = *credential
		}
	}
	if blob, err := json.Marshal(data); err == nil {
		method.Data = blob
		_ = p.creds.SaveMethod(ctx, method)
	}

	return nil
}

// BeginRegistration starts an enrollment ceremony. The in-flight session
// is parked on a disabled method row until FinishRegistration.
func (p *WebAuthnProvider) BeginRegistration(ctx context.Context, user *models.User, existing *models.TwoFactorMethod) (any, *models.TwoFactorMethod, error) {
	data := &webauthnData{}
	if existing != nil {
		var err error
		data, err = decodeWebauthnData(existing.Data)
		if err != nil {
			return nil, nil, err
		}
	}

	waUser := &webauthnUser{user: user, credentials: data.Credentials}
	options, session, err := p.wa.BeginRegistration(waUser)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin webauthn registration: %w", err)
	}

	data.RegistrationSession = session
	blob, err := json.Marshal(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal webauthn data: %w", err)
	}

	method := existing
	if method == nil {
		method = &models.TwoFactorMethod{
			UserID: user.ID,
			Type:   models.ProviderWebAuthn,
		}
	}
	method.Data = blob

	if err := p.creds.SaveMethod(ctx, method); err != nil {
		return nil, nil, fmt.Errorf("failed to store registration session: %w", err)
	}

	return options, method, nil
}

// FinishRegistration validates the attestation, appends the credential,
// and enables the method.
func (p *WebAuthnProvider) FinishRegistration(ctx context.Context, user *models.User, method *models.TwoFactorMethod, response string) error {
	data, err := decodeWebauthnData(method.Data)
	if err != nil {
		return err
	}
	if data.RegistrationSession == nil {
		return models.ErrBadRequest
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(response))
	if err != nil {
		return models.ErrTwoFactorInvalid
	}

	waUser := &webauthnUser{user: user, credentials: data.Credentials}
	credential, err := p.wa.CreateCredential(waUser, *data.RegistrationSession, parsed)
	if err != nil {
		return models.ErrTwoFactorInvalid
	}

	data.Credentials = append(data.Credentials, *credential)
	data.RegistrationSession = nil

	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal webauthn data: %w", err)
	}

	// The caller persists the updated method so the write can share a
	// transaction with the security stamp rotation.
	method.Data = blob
	method.Enabled = true
	return nil
}

func decodeWebauthnData(blob []byte) (*webauthnData, error) {
	data := &webauthnData{}
	if len(blob) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(blob, data); err != nil {
		return nil, fmt.Errorf("failed to decode webauthn data: %w", err)
	}
	return data, nil
}

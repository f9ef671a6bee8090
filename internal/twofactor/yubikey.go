package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vaultgate/vaultgate/internal/models"
)

const yubicoVerifyURL = "https://api.yubico.com/wsapi/2.0/verify"

// yubikeyPublicIDLen is the fixed modhex prefix identifying the key.
const yubikeyPublicIDLen = 12

// YubiKeyProvider delegates OTP verification to the YubiCloud validation
// service. The method's data blob holds the registered key's public ID.
type YubiKeyProvider struct {
	clientID  string
	verifyURL string
	client    *http.Client
}

func NewYubiKeyProvider(clientID string) *YubiKeyProvider {
	return &YubiKeyProvider{
		clientID:  clientID,
		verifyURL: yubicoVerifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *YubiKeyProvider) Kind() models.TwoFactorProviderType {
	return models.ProviderYubiKey
}

func (p *YubiKeyProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	return nil, nil
}

func (p *YubiKeyProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	if len(response) <= yubikeyPublicIDLen {
		return models.ErrTwoFactorInvalid
	}

	// The OTP must come from the registered key.
	registered := string(method.Data)
	submitted := response[:yubikeyPublicIDLen]
	if subtle.ConstantTimeCompare([]byte(registered), []byte(submitted)) != 1 {
		return models.ErrTwoFactorInvalid
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return models.ErrInternalServer
	}
	nonce := hex.EncodeToString(nonceBytes)

	params := url.Values{}
	params.Set("id", p.clientID)
	params.Set("otp", response)
	params.Set("nonce", nonce)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.verifyURL+"?"+params.Encode(), nil)
	if err != nil {
		return models.ErrInternalServer
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return models.ErrDependencyUnavailable
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ErrDependencyUnavailable
	}

	fields := parseYubicoResponse(string(body))
	// The validation server echoes otp and nonce; both must match to
	// rule out a spoofed or replayed validation response.
	if fields["otp"] != response || fields["nonce"] != nonce {
		return models.ErrTwoFactorInvalid
	}
	if fields["status"] != "OK" {
		return models.ErrTwoFactorInvalid
	}
	return nil
}

func parseYubicoResponse(body string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if ok {
			fields[k] = v
		}
	}
	return fields
}

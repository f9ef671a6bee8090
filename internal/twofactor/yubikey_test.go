package twofactor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vaultgate/vaultgate/internal/models"
)

const (
	testYubiPublicID = "ccccccclulvj"
	testYubiOTP      = testYubiPublicID + "tbjrhtdhrgvkjninbdlibfkhehtercek"
)

func yubikeyFixtures(t *testing.T, status string, echo bool) *YubiKeyProvider {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		otp := r.URL.Query().Get("otp")
		nonce := r.URL.Query().Get("nonce")
		if !echo {
			otp = "spoofed"
			nonce = "spoofed"
		}
		fmt.Fprintf(w, "otp=%s\nnonce=%s\nstatus=%s\n", otp, nonce, status)
	}))
	t.Cleanup(server.Close)

	provider := NewYubiKeyProvider("client-1")
	provider.verifyURL = server.URL
	return provider
}

func yubikeyMethod() *models.TwoFactorMethod {
	return &models.TwoFactorMethod{
		Type:    models.ProviderYubiKey,
		Enabled: true,
		Data:    []byte(testYubiPublicID),
	}
}

func TestYubiKeyProvider_Verify_Success(t *testing.T) {
	provider := yubikeyFixtures(t, "OK", true)

	err := provider.Verify(context.Background(), &models.User{ID: "user-1"}, yubikeyMethod(), nil, testYubiOTP)
	assert.NoError(t, err)
}

func TestYubiKeyProvider_Verify_WrongKey(t *testing.T) {
	provider := yubikeyFixtures(t, "OK", true)

	otherKeyOTP := "cccccccvlidjtbjrhtdhrgvkjninbdlibfkhehtercek"
	err := provider.Verify(context.Background(), &models.User{ID: "user-1"}, yubikeyMethod(), nil, otherKeyOTP)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestYubiKeyProvider_Verify_ReplayedStatus(t *testing.T) {
	provider := yubikeyFixtures(t, "REPLAYED_OTP", true)

	err := provider.Verify(context.Background(), &models.User{ID: "user-1"}, yubikeyMethod(), nil, testYubiOTP)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestYubiKeyProvider_Verify_SpoofedEcho(t *testing.T) {
	provider := yubikeyFixtures(t, "OK", false)

	err := provider.Verify(context.Background(), &models.User{ID: "user-1"}, yubikeyMethod(), nil, testYubiOTP)
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

func TestYubiKeyProvider_Verify_ServerUnreachable(t *testing.T) {
	provider := NewYubiKeyProvider("client-1")
	provider.verifyURL = "http://127.0.0.1:1/verify"

	err := provider.Verify(context.Background(), &models.User{ID: "user-1"}, yubikeyMethod(), nil, testYubiOTP)
	assert.ErrorIs(t, err, models.ErrDependencyUnavailable)
}

func TestYubiKeyProvider_Verify_TooShort(t *testing.T) {
	provider := NewYubiKeyProvider("client-1")

	err := provider.Verify(context.Background(), &models.User{ID: "user-1"}, yubikeyMethod(), nil, "short")
	assert.ErrorIs(t, err, models.ErrTwoFactorInvalid)
}

package twofactor

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/vaultgate/vaultgate/internal/models"
)

// DuoProvider delegates passcode verification to the Duo Auth API. An
// unreachable Duo service fails the verification with
// ErrDependencyUnavailable, never success.
type DuoProvider struct {
	host   string
	ikey   string
	skey   string
	client *http.Client
}

func NewDuoProvider(host, ikey, skey string) *DuoProvider {
	return &DuoProvider{
		host:   host,
		ikey:   ikey,
		skey:   skey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *DuoProvider) Kind() models.TwoFactorProviderType {
	return models.ProviderDuo
}

func (p *DuoProvider) Challenge(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin) (any, error) {
	return map[string]string{"host": p.host}, nil
}

type duoAuthResponse struct {
	Stat     string `json:"stat"`
	Response struct {
		Result string `json:"result"`
	} `json:"response"`
}

func (p *DuoProvider) Verify(ctx context.Context, user *models.User, method *models.TwoFactorMethod, pending *models.PendingTwoFactorLogin, response string) error {
	params := url.Values{}
	params.Set("username", user.Email)
	params.Set("factor", "passcode")
	params.Set("passcode", response)

	body, err := p.call(ctx, http.MethodPost, "/auth/v2/auth", params)
	if err != nil {
		return models.ErrDependencyUnavailable
	}

	var parsed duoAuthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.ErrDependencyUnavailable
	}

	if parsed.Stat != "OK" || parsed.Response.Result != "allow" {
		return models.ErrTwoFactorInvalid
	}
	return nil
}

type duoPreauthResponse struct {
	Stat     string `json:"stat"`
	Response struct {
		Result string `json:"result"`
	} `json:"response"`
}

// Preauth asks Duo whether the account is known and allowed to
// authenticate. Used at enrollment time so a user cannot enable Duo
// without an account on the configured Duo tenant.
func (p *DuoProvider) Preauth(ctx context.Context, user *models.User) error {
	params := url.Values{}
	params.Set("username", user.Email)

	body, err := p.call(ctx, http.MethodPost, "/auth/v2/preauth", params)
	if err != nil {
		return models.ErrDependencyUnavailable
	}

	var parsed duoPreauthResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return models.ErrDependencyUnavailable
	}

	if parsed.Stat != "OK" {
		return models.ErrDependencyUnavailable
	}
	switch parsed.Response.Result {
	case "auth", "allow":
		return nil
	default:
		return models.ErrTwoFactorInvalid
	}
}

// call issues a signed Duo API request. Duo authenticates with HTTP
// basic auth where the password is an HMAC-SHA1 over the canonical
// request.
func (p *DuoProvider) call(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	date := time.Now().UTC().Format(time.RFC1123Z)
	canon := strings.Join([]string{date, method, strings.ToLower(p.host), path, canonicalParams(params)}, "\n")

	mac := hmac.New(sha1.New, []byte(p.skey))
	mac.Write([]byte(canon))
	sig := hex.EncodeToString(mac.Sum(nil))

	reqURL := "https://" + p.host + path
	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, reqURL+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}

	auth := base64.StdEncoding.EncodeToString([]byte(p.ikey + ":" + sig))
	req.Header.Set("Date", date)
	req.Header.Set("Authorization", "Basic "+auth)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("duo returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// canonicalParams encodes params sorted by key, as Duo's signature
// scheme requires.
func canonicalParams(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range params[k] {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// TokenHeader carries platform tokens.
const TokenHeader = "X-Authentication-Token"

// TokenAuth sends an opaque platform token in its own header.
type TokenAuth struct {
	mu    sync.RWMutex
	token string
}

// NewTokenAuth ...
func NewTokenAuth(token string) *TokenAuth {
	return &TokenAuth{token: token}
}

// Token ...
func (a *TokenAuth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Apply ...
func (a *TokenAuth) Apply(req *http.Request) error {
	req.Header.Set(TokenHeader, a.Token())
	return nil
}

// Equal ...
func (a *TokenAuth) Equal(other Authenticator) bool {
	o, ok := other.(*TokenAuth)
	return ok && o.Token() == a.Token()
}

// TokenRequest describes the device a platform token is issued for.
type TokenRequest struct {
	DeviceID   string
	Permission string
	AppName    string
	Device     string
	Revoke     bool
}

// Values returns the query parameters of the token endpoint.
func (r TokenRequest) Values() url.Values {
	v := url.Values{}
	v.Set("deviceId", r.DeviceID)
	v.Set("applicationName", r.AppName)
	v.Set("permission", r.Permission)
	v.Set("revokeToken", fmt.Sprintf("%t", r.Revoke))
	if r.Device != "" {
		v.Set("deviceDescription", r.Device)
	}
	return v
}

// TokenFetcher performs the GET against the token endpoint, authenticated with creds,
// and returns the raw response text.
type TokenFetcher func(ctx context.Context, params url.Values, creds Authenticator) (string, error)

// RequestToken exchanges basic credentials for a platform token and keeps it,
// unless the request revokes the token.
func (a *TokenAuth) RequestToken(ctx context.Context, fetch TokenFetcher, creds *BasicAuth, r TokenRequest) (string, error) {
	text, err := fetch(ctx, r.Values(), creds)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(text)
	if token == "" {
		return "", fmt.Errorf("server returned an empty token for device %q", r.DeviceID)
	}

	if !r.Revoke {
		a.mu.Lock()
		a.token = token
		a.mu.Unlock()
	}
	return token, nil
}

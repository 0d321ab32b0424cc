package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeProvider struct {
	t          *testing.T
	server     *httptest.Server
	key        *rsa.PrivateKey
	refreshes  int32
	lastVerify string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &fakeProvider{t: t, key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 p.server.URL,
			"authorization_endpoint": p.server.URL + "/authorize",
			"token_endpoint":         p.server.URL + "/token",
			"jwks_uri":               p.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "the-code" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			p.lastVerify = r.PostForm.Get("code_verifier")
			p.writeToken(w, "refresh-1")
		case "refresh_token":
			atomic.AddInt32(&p.refreshes, 1)
			p.writeToken(w, "refresh-2")
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) accessToken(exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   "Administrator",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(p.key)
	require.NoError(p.t, err)
	return signed
}

func (p *fakeProvider) writeToken(w http.ResponseWriter, refresh string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  p.accessToken(time.Now().Add(time.Hour)),
		"token_type":    "bearer",
		"refresh_token": refresh,
		"expires_in":    3600,
	})
}

func newOAuth2(t *testing.T, p *fakeProvider) *OAuth2 {
	a, err := NewOAuth2(context.Background(), "http://localhost:8080/nuxeo/", OAuth2Options{
		ClientID:               "client",
		ClientSecret:           "secret",
		RedirectURI:            "http://localhost/callback",
		OpenIDConfigurationURL: p.server.URL + "/.well-known/openid-configuration",
	})
	require.NoError(t, err)
	return a
}

func TestNewOAuth2_DefaultEndpoints(t *testing.T) {
	a, err := NewOAuth2(context.Background(), "http://localhost:8080/nuxeo/", OAuth2Options{ClientID: "client"})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080/nuxeo/oauth2/authorize", a.config.Endpoint.AuthURL)
	assert.Equal(t, "http://localhost:8080/nuxeo/oauth2/token", a.config.Endpoint.TokenURL)
	assert.True(t, a.TokenIsExpired())
}

func TestOAuth2_AuthorizationCodeFlow(t *testing.T) {
	p := newFakeProvider(t)
	a := newOAuth2(t, p)

	authReq := a.CreateAuthorizationURL()
	u, err := url.Parse(authReq.URL)
	require.NoError(t, err)
	assert.Equal(t, p.server.URL+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(authReq.CodeVerifier), u.Query().Get("code_challenge"))
	assert.Equal(t, authReq.State, u.Query().Get("state"))

	token, err := a.RequestToken(context.Background(), TokenExchange{
		CodeVerifier:          authReq.CodeVerifier,
		State:                 authReq.State,
		AuthorizationResponse: "http://localhost/callback?code=the-code&state=" + authReq.State,
	})
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", token.RefreshToken)
	assert.Equal(t, authReq.CodeVerifier, p.lastVerify)
	assert.False(t, a.TokenIsExpired())

	claims, err := a.ValidateAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Administrator", claims["sub"])
}

func TestOAuth2_RequestTokenErrors(t *testing.T) {
	p := newFakeProvider(t)
	a := newOAuth2(t, p)

	_, err := a.RequestToken(context.Background(), TokenExchange{
		CodeVerifier:          "v",
		State:                 "expected",
		AuthorizationResponse: "http://localhost/callback?code=the-code&state=other",
	})
	assert.True(t, errors.Is(err, apierrors.ErrOAuth2))

	_, err = a.RequestToken(context.Background(), TokenExchange{CodeVerifier: "v", Code: "wrong"})
	var oauthErr *apierrors.OAuth2Error
	require.True(t, errors.As(err, &oauthErr))
	assert.Equal(t, http.StatusBadRequest, oauthErr.Status)
}

func TestOAuth2_ApplyRefreshesExpiredToken(t *testing.T) {
	p := newFakeProvider(t)
	a := newOAuth2(t, p)
	a.SetToken(&oauth2.Token{
		AccessToken:  "expired",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Minute),
	})
	require.True(t, a.TokenIsExpired())

	req := newRequest(t)
	require.NoError(t, a.Apply(req))

	assert.Equal(t, int32(1), atomic.LoadInt32(&p.refreshes))
	assert.NotEqual(t, "Bearer expired", req.Header.Get("Authorization"))
	assert.Equal(t, "refresh-2", a.Token().RefreshToken)

	require.NoError(t, a.Apply(newRequest(t)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.refreshes))
}

func TestOAuth2_ValidateExpiredAccessToken(t *testing.T) {
	p := newFakeProvider(t)
	a := newOAuth2(t, p)
	a.SetToken(&oauth2.Token{AccessToken: p.accessToken(time.Now().Add(-time.Hour))})

	_, err := a.ValidateAccessToken(context.Background())
	assert.True(t, errors.Is(err, apierrors.ErrOAuth2))
}

func TestOAuth2_ApplyWithoutToken(t *testing.T) {
	a, err := NewOAuth2(context.Background(), "http://localhost:8080/nuxeo/", OAuth2Options{ClientID: "client"})
	require.NoError(t, err)

	err = a.Apply(newRequest(t))
	assert.True(t, errors.Is(err, apierrors.ErrOAuth2))
}

func TestOAuth2_OpenAuthorizationURL(t *testing.T) {
	a, err := NewOAuth2(context.Background(), "http://localhost:8080/nuxeo/", OAuth2Options{ClientID: "client"})
	require.NoError(t, err)
	var opened string
	a.openURL = func(u string) error {
		opened = u
		return nil
	}

	req, err := a.OpenAuthorizationURL()
	require.NoError(t, err)
	assert.Equal(t, req.URL, opened)
}

func TestOAuth2_Equal(t *testing.T) {
	token := &oauth2.Token{AccessToken: "a", RefreshToken: "r"}
	a1, err := NewOAuth2(context.Background(), "http://h/", OAuth2Options{ClientID: "c", Token: token})
	require.NoError(t, err)
	a2, err := NewOAuth2(context.Background(), "http://h/", OAuth2Options{ClientID: "c", Token: token})
	require.NoError(t, err)
	a3, err := NewOAuth2(context.Background(), "http://h/", OAuth2Options{ClientID: "other", Token: token})
	require.NoError(t, err)

	assert.True(t, a1.Equal(a2))
	assert.False(t, a1.Equal(a3))
	assert.False(t, a1.Equal(NewJWTAuth("a")))
}

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"
)

// OAuth2Options configures the OAuth2 authenticator. When OpenIDConfigurationURL is set the
// endpoints are discovered, otherwise they default to the platform's own OAuth2 endpoints.
type OAuth2Options struct {
	ClientID               string
	ClientSecret           string
	RedirectURI            string
	Scopes                 []string
	AuthorizationEndpoint  string
	TokenEndpoint          string
	OpenIDConfigurationURL string
	Token                  *oauth2.Token
	HTTPClient             *http.Client
}

type openIDConfiguration struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// OAuth2 implements the authorization code flow with PKCE and refreshes its token when
// it is expired. The token is guarded by its own lock.
type OAuth2 struct {
	mu     sync.Mutex
	config oauth2.Config
	token  *oauth2.Token

	jwksURI    string
	keySet     *oidc.RemoteKeySet
	httpClient *http.Client
	openURL    func(string) error
}

// NewOAuth2 ...
func NewOAuth2(ctx context.Context, host string, opts OAuth2Options) (*OAuth2, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	a := &OAuth2{
		config: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURI,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  opts.AuthorizationEndpoint,
				TokenURL: opts.TokenEndpoint,
			},
		},
		token:      opts.Token,
		httpClient: httpClient,
		openURL:    browser.OpenURL,
	}

	if opts.OpenIDConfigurationURL != "" {
		if err := a.discover(ctx, opts.OpenIDConfigurationURL); err != nil {
			return nil, err
		}
	}

	base := strings.TrimSuffix(host, "/")
	if a.config.Endpoint.AuthURL == "" {
		a.config.Endpoint.AuthURL = base + "/oauth2/authorize"
	}
	if a.config.Endpoint.TokenURL == "" {
		a.config.Endpoint.TokenURL = base + "/oauth2/token"
	}
	return a, nil
}

func (a *OAuth2) discover(ctx context.Context, discoveryURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apierrors.NewOAuth2Error(fmt.Errorf("fetch openid configuration: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		e := apierrors.NewOAuth2Error(fmt.Errorf("fetch openid configuration: HTTP %d", resp.StatusCode))
		e.Status = resp.StatusCode
		return e
	}

	var conf openIDConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&conf); err != nil {
		return apierrors.NewOAuth2Error(fmt.Errorf("decode openid configuration: %w", err))
	}

	a.config.Endpoint.AuthURL = conf.AuthorizationEndpoint
	a.config.Endpoint.TokenURL = conf.TokenEndpoint
	a.jwksURI = conf.JWKSURI
	return nil
}

func (a *OAuth2) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// AuthorizationRequest is what the caller needs to keep between the redirect and the token request.
type AuthorizationRequest struct {
	URL          string
	State        string
	CodeVerifier string
}

// CreateAuthorizationURL builds the URL the user has to visit, with a PKCE S256 challenge.
func (a *OAuth2) CreateAuthorizationURL() AuthorizationRequest {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	return AuthorizationRequest{
		URL:          a.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:        state,
		CodeVerifier: verifier,
	}
}

// OpenAuthorizationURL opens a fresh authorization URL in the user's browser.
func (a *OAuth2) OpenAuthorizationURL() (AuthorizationRequest, error) {
	req := a.CreateAuthorizationURL()
	if err := a.openURL(req.URL); err != nil {
		return req, fmt.Errorf("open browser: %w", err)
	}
	return req, nil
}

// TokenExchange carries the authorization response. Either Code or AuthorizationResponse
// (the full redirect URL) must be set.
type TokenExchange struct {
	CodeVerifier          string
	Code                  string
	State                 string
	AuthorizationResponse string
}

// RequestToken exchanges the authorization code for a token and keeps it.
func (a *OAuth2) RequestToken(ctx context.Context, ex TokenExchange) (*oauth2.Token, error) {
	code := ex.Code
	if ex.AuthorizationResponse != "" {
		u, err := url.Parse(ex.AuthorizationResponse)
		if err != nil {
			return nil, apierrors.NewOAuth2Error(fmt.Errorf("parse authorization response: %w", err))
		}
		q := u.Query()
		if e := q.Get("error"); e != "" {
			return nil, apierrors.NewOAuth2Error(fmt.Errorf("%s: %s", e, q.Get("error_description")))
		}
		if ex.State != "" && q.Get("state") != ex.State {
			return nil, apierrors.NewOAuth2Error(errors.New("state mismatch in authorization response"))
		}
		code = q.Get("code")
	}
	if code == "" {
		return nil, apierrors.NewOAuth2Error(errors.New("missing authorization code"))
	}

	token, err := a.config.Exchange(a.context(ctx), code, oauth2.VerifierOption(ex.CodeVerifier))
	if err != nil {
		return nil, wrapOAuth2Error(err)
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return token, nil
}

// RefreshToken trades the refresh token for a new token and keeps it.
func (a *OAuth2) RefreshToken(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshLocked(ctx)
}

func (a *OAuth2) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if a.token == nil || a.token.RefreshToken == "" {
		return nil, apierrors.NewOAuth2Error(errors.New("no refresh token available"))
	}

	source := a.config.TokenSource(a.context(ctx), &oauth2.Token{RefreshToken: a.token.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, wrapOAuth2Error(err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = a.token.RefreshToken
	}
	a.token = token
	return token, nil
}

// Token returns a copy of the current token, nil if none was obtained yet.
func (a *OAuth2) Token() *oauth2.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil {
		return nil
	}
	t := *a.token
	return &t
}

// SetToken ...
func (a *OAuth2) SetToken(token *oauth2.Token) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// TokenIsExpired ...
func (a *OAuth2) TokenIsExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiredLocked()
}

func (a *OAuth2) expiredLocked() bool {
	if a.token == nil {
		return true
	}
	return !a.token.Expiry.IsZero() && a.token.Expiry.Before(time.Now())
}

// ValidateAccessToken verifies the access token signature against the discovered JWKS and
// checks its expiration. Returns the token claims.
func (a *OAuth2) ValidateAccessToken(ctx context.Context) (jwt.MapClaims, error) {
	if a.jwksURI == "" {
		return nil, apierrors.NewOAuth2Error(errors.New("no jwks_uri known, OpenID discovery is required"))
	}

	a.mu.Lock()
	if a.keySet == nil {
		a.keySet = oidc.NewRemoteKeySet(oidc.ClientContext(ctx, a.httpClient), a.jwksURI)
	}
	keySet := a.keySet
	var access string
	if a.token != nil {
		access = a.token.AccessToken
	}
	a.mu.Unlock()

	if access == "" {
		return nil, apierrors.NewOAuth2Error(errors.New("no access token"))
	}

	payload, err := keySet.VerifySignature(oidc.ClientContext(ctx, a.httpClient), access)
	if err != nil {
		return nil, apierrors.NewOAuth2Error(fmt.Errorf("verify access token: %w", err))
	}

	claims := jwt.MapClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apierrors.NewOAuth2Error(fmt.Errorf("decode access token claims: %w", err))
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, apierrors.NewOAuth2Error(err)
	}
	if exp != nil && exp.Before(time.Now()) {
		return nil, apierrors.NewOAuth2Error(jwt.ErrTokenExpired)
	}
	return claims, nil
}

// Apply refreshes an expired token before attaching the bearer header.
func (a *OAuth2) Apply(req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.expiredLocked() {
		if _, err := a.refreshLocked(req.Context()); err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+a.token.AccessToken)
	return nil
}

// Equal ...
func (a *OAuth2) Equal(other Authenticator) bool {
	o, ok := other.(*OAuth2)
	if !ok {
		return false
	}
	if o == a {
		return true
	}
	t1, t2 := a.Token(), o.Token()
	if t1 == nil || t2 == nil {
		return t1 == t2 && a.config.ClientID == o.config.ClientID
	}
	return a.config.ClientID == o.config.ClientID && t1.AccessToken == t2.AccessToken && t1.RefreshToken == t2.RefreshToken
}

func wrapOAuth2Error(err error) error {
	e := apierrors.NewOAuth2Error(err)
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		e.Status = retrieveErr.Response.StatusCode
	}
	return e
}

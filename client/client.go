package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzhttp"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/auth"
)

// Client is the HTTP transport shared by every API group.
// It is safe for concurrent use.
type Client struct {
	cfg    Config
	host   string
	logger log.Logger

	// Both are always built, a request may override the configured verification.
	verifyingClient *retryablehttp.Client
	insecureClient  *retryablehttp.Client

	mu         sync.RWMutex
	auth       auth.Authenticator
	repository string
	schemas    []string
	serverInfo map[string]interface{}
}

// New validates the configuration and creates a Client.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	c := &Client{
		cfg:        cfg,
		host:       cfg.normalizedHost(),
		logger:     logger,
		auth:       cfg.Authenticator(),
		repository: cfg.Repository,
		schemas:    append([]string(nil), cfg.Schemas...),
	}
	c.verifyingClient = c.newRetryableClient(true)
	c.insecureClient = c.newRetryableClient(false)

	return c, nil
}

func (c *Client) newRetryableClient(sslVerify bool) *retryablehttp.Client {
	client := retryhttp.NewClient(c.logger)
	var transport http.RoundTripper = newTransport(c.cfg, sslVerify)
	if !c.cfg.DisableCompression {
		transport = gzhttp.Transport(transport)
	}
	client.HTTPClient = &http.Client{Transport: transport}
	client.RetryMax = c.cfg.MaxRetry
	client.RetryWaitMax = maxBackoff
	client.CheckRetry = retryPolicy(c.cfg.RetryStatuses, c.logger)
	client.Backoff = exponentialBackoff(c.cfg.RetryBackoffFactor)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// retryableClient picks the client matching the TLS verification of a request,
// falling back to the configured one when override is nil.
func (c *Client) retryableClient(override *bool) *retryablehttp.Client {
	verify := c.cfg.sslVerify()
	if override != nil {
		verify = *override
	}
	if verify {
		return c.verifyingClient
	}
	return c.insecureClient
}

// Config returns the configuration the client was created with.
func (c *Client) Config() Config {
	return c.cfg
}

// Logger returns the client logger.
func (c *Client) Logger() log.Logger {
	return c.logger
}

// Host returns the server URL, always ending with a slash.
func (c *Client) Host() string {
	return c.host
}

// APIPath joins the parts to the REST API path, e.g. "api/v1/upload/".
func (c *Client) APIPath(parts ...string) string {
	p := strings.Trim(c.cfg.APIPath, "/")
	for _, part := range parts {
		if part == "" {
			continue
		}
		p += "/" + strings.TrimPrefix(part, "/")
	}
	return p
}

// URL resolves a path relative to the server URL. Absolute URLs are returned as is.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.host + strings.TrimPrefix(path, "/")
}

// Auth returns the current authenticator.
func (c *Client) Auth() auth.Authenticator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

// SetAuth replaces the authenticator used by subsequent requests.
func (c *Client) SetAuth(a auth.Authenticator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = a
}

// Set changes the default repository and the document schemas sent with every request.
// Empty values leave the current setting untouched.
func (c *Client) Set(repository string, schemas []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if repository != "" {
		c.repository = repository
	}
	if schemas != nil {
		c.schemas = append([]string(nil), schemas...)
	}
}

// Repository returns the default repository.
func (c *Client) Repository() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repository
}

// Schemas returns the document schemas sent with every request.
func (c *Client) Schemas() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.schemas...)
}

// RequestAuthToken exchanges the current basic credentials for an authentication token.
// Unless the request revokes the token, the client switches to token authentication.
func (c *Client) RequestAuthToken(ctx context.Context, r auth.TokenRequest) (string, error) {
	basic, ok := c.Auth().(*auth.BasicAuth)
	if !ok {
		return "", apierrors.NewBadQuery("requesting an authentication token needs basic credentials")
	}

	tokenAuth := auth.NewTokenAuth("")
	token, err := tokenAuth.RequestToken(ctx, c.fetchToken, basic, r)
	if err != nil {
		return "", err
	}
	if !r.Revoke {
		c.SetAuth(tokenAuth)
	}
	return token, nil
}

func (c *Client) fetchToken(ctx context.Context, params url.Values, creds auth.Authenticator) (string, error) {
	resp, err := c.Request(ctx, http.MethodGet, "authentication/token", &RequestOptions{
		Params: params,
		Auth:   creds,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// IsReachable tells whether the server answers its running status endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.Request(ctx, http.MethodGet, "runningstatus", &RequestOptions{NoRetry: true})
	if err != nil {
		c.logger.Debugf("Server is not reachable: %s", err)
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// ServerInfo returns the repository information, cached after the first call.
// A cached map is never modified once returned: a forced refresh replaces it.
// Callers must not modify it either.
func (c *Client) ServerInfo(ctx context.Context, force bool) (map[string]interface{}, error) {
	c.mu.RLock()
	cached := c.serverInfo
	c.mu.RUnlock()
	if cached != nil && !force {
		return cached, nil
	}

	resp, err := c.Request(ctx, http.MethodGet, "json/cmis", nil)
	if err != nil {
		return nil, err
	}
	info := map[string]interface{}{}
	if err := resp.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode server info: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()
	return info, nil
}

// ServerVersion returns the product version of the default repository.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	info, err := c.ServerInfo(ctx, false)
	if err != nil {
		return "", err
	}
	repo, _ := info[DefaultRepository].(map[string]interface{})
	version, _ := repo["productVersion"].(string)
	if version == "" {
		return "", fmt.Errorf("server info has no product version")
	}
	return version, nil
}

// Query runs a NXQL query.
func (c *Client) Query(ctx context.Context, query string, params url.Values) (map[string]interface{}, error) {
	values := url.Values{"query": {query}}
	for k, v := range params {
		values[k] = v
	}

	resp, err := c.Request(ctx, http.MethodGet, c.APIPath("search/lang/NXQL/execute"), &RequestOptions{Params: values})
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("decode query result: %w", err)
	}
	return result, nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/auth"
)

// IdempotencyKeyHeader makes the server deduplicate a request.
const IdempotencyKeyHeader = "Idempotency-Key"

// NewIdempotencyKey returns a random key for IdempotencyKeyHeader.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// RequestOptions tune a single request.
type RequestOptions struct {
	// Headers are merged over the default ones.
	Headers map[string]string
	Params  url.Values

	// Body is encoded to JSON unless Raw is set.
	Body interface{}
	// Raw sends Body as is: []byte, string or an io.Reader.
	Raw bool
	// ContentLength of a raw io.Reader body.
	ContentLength int64

	// Timeout bounds the whole request, including reading the response.
	Timeout time.Duration
	// Auth overrides the client authenticator.
	Auth auth.Authenticator
	// SSLVerify overrides the configured TLS verification.
	SSLVerify *bool
	// Stream leaves the response body open, see Response.Stream.
	Stream bool
	// NoRetry disables retries whatever the method.
	NoRetry bool
	// Default is returned instead of any error.
	Default *Response
}

// Response is a successful server response.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is empty for streamed responses.
	Body []byte

	stream io.ReadCloser
}

// Decode unmarshals the JSON body.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// Value returns the JSON decoded body, or the raw text when the body is not JSON.
func (r *Response) Value() interface{} {
	var v interface{}
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return r.Text()
	}
	return v
}

// Stream returns the open body of a streamed response. The caller must close it.
func (r *Response) Stream() io.ReadCloser {
	if r.stream == nil {
		return io.NopCloser(bytes.NewReader(r.Body))
	}
	return r.stream
}

// Close releases a streamed response.
func (r *Response) Close() error {
	if r.stream == nil {
		return nil
	}
	return r.stream.Close()
}

// Request sends a request to the server and maps error statuses to typed errors.
// Relative paths are resolved against the server URL.
func (c *Client) Request(ctx context.Context, method, path string, opts *RequestOptions) (*Response, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	resp, err := c.request(ctx, strings.ToUpper(method), path, opts)
	if err != nil && opts.Default != nil {
		c.logger.Debugf("Returning the default response for %s %s: %s", method, path, err)
		return opts.Default, nil
	}
	return resp, err
}

func (c *Client) request(ctx context.Context, method, path string, opts *RequestOptions) (*Response, error) {
	if !allowedMethods[method] {
		return nil, apierrors.NewBadQuery("invalid HTTP method: %q", method)
	}

	u, err := url.Parse(c.URL(path))
	if err != nil {
		return nil, apierrors.NewBadQuery("invalid URL %q: %s", path, err)
	}
	if len(opts.Params) > 0 {
		c.warnDeprecatedKeys("parameter", mapKeys(opts.Params))
		query := u.Query()
		for k, v := range opts.Params {
			query[k] = v
		}
		u.RawQuery = query.Encode()
	}

	body, err := requestBody(opts)
	if err != nil {
		return nil, err
	}

	cancel := func() {}
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	if opts.NoRetry || !c.retriesMethod(method) {
		ctx = withoutRetry(ctx)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	if opts.ContentLength > 0 {
		req.ContentLength = opts.ContentLength
	}

	authenticator := opts.Auth
	if authenticator == nil {
		authenticator = c.Auth()
	}
	if err := c.decorate(req.Request, authenticator, opts.Headers); err != nil {
		cancel()
		return nil, err
	}

	if dump, err := httputil.DumpRequest(req.Request, false); err == nil {
		c.logger.Debugf("Request dump: %s", string(dump))
	}

	resp, err := c.retryableClient(opts.SSLVerify).Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer cancel()
		return nil, c.errorFromResponse(resp)
	}

	if opts.Stream {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			stream:     &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		}, nil
	}

	defer cancel()
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response of %s %s: %w", method, u.Redacted(), err)
	}
	c.logger.Debugf("Response: %d (%d bytes)", resp.StatusCode, len(data))

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warnf("Failed to read the error response: %s", err)
	}

	if resp.StatusCode == http.StatusConflict {
		if key := resp.Header.Get(IdempotencyKeyHeader); key != "" {
			return &apierrors.OngoingRequest{Key: key}
		}
	}
	return apierrors.NewHTTPError(resp.StatusCode, data)
}

func requestBody(opts *RequestOptions) (interface{}, error) {
	if opts.Body == nil {
		return nil, nil
	}
	if !opts.Raw {
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, apierrors.NewBadQuery("cannot encode the request body: %s", err)
		}
		return data, nil
	}

	switch body := opts.Body.(type) {
	case string:
		return []byte(body), nil
	case []byte, io.Reader:
		return body, nil
	default:
		return nil, apierrors.NewBadQuery("invalid raw body type: %T", body)
	}
}

// decorate sets the headers sent with every request, then the caller ones, then authentication.
func (c *Client) decorate(req *http.Request, authenticator auth.Authenticator, headers map[string]string) error {
	ua := fmt.Sprintf("%s/%s", c.cfg.AppName, c.cfg.ClientVersion)
	req.Header.Set("X-Application-Name", c.cfg.AppName)
	req.Header.Set("X-Client-Version", c.cfg.ClientVersion)
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-NXDocumentProperties", strings.Join(c.Schemas(), ", "))
	req.Header.Set("X-NXRepository", c.Repository())
	req.Header.Set("Accept", "application/json, */*")
	req.Header.Set("Content-Type", "application/json")

	c.warnDeprecatedKeys("header", headerKeys(headers))
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if authenticator == nil {
		return nil
	}
	if err := authenticator.Apply(req); err != nil {
		return fmt.Errorf("authenticate request: %w", err)
	}
	return nil
}

func (c *Client) warnDeprecatedKeys(kind string, keys []string) {
	for _, k := range keys {
		if strings.ContainsAny(k, "_.") {
			c.logger.Warnf("The %s %q contains a dot or an underscore, such names are deprecated: use dashes instead.", kind, k)
		}
	}
}

func mapKeys(values url.Values) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	return keys
}

func headerKeys(headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	return keys
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

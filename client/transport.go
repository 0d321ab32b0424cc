package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// newDialer enables TCP keep-alive probes so that a connection idling
// while the server processes a large upload is not dropped by a proxy.
func newDialer(cfg Config) *net.Dialer {
	return &net.Dialer{
		Timeout: cfg.ConnectTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     cfg.TCPKeepIdle,
			Interval: cfg.TCPKeepInterval,
			Count:    cfg.TCPKeepCount,
		},
	}
}

func newTransport(cfg Config, sslVerify bool) *http.Transport {
	dialer := newDialer(cfg)

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if !sslVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return transport
}

// HTTPClient returns a standard client sharing the retry policy,
// the default headers and the authentication of c.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &decoratingTransport{
			client: c,
			next:   c.retryableClient(nil).StandardClient().Transport,
		},
	}
}

type decoratingTransport struct {
	client *Client
	next   http.RoundTripper
}

func (t *decoratingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if err := t.client.decorate(req, t.client.Auth(), nil); err != nil {
		return nil, err
	}
	// Downloads carry no body.
	req.Header.Del("Content-Type")
	return t.next.RoundTrip(req)
}

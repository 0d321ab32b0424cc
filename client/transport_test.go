package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDialer_KeepAlive(t *testing.T) {
	dialer := newDialer(DefaultConfig())

	assert.True(t, dialer.KeepAliveConfig.Enable)
	assert.Equal(t, 60*time.Second, dialer.KeepAliveConfig.Idle)
	assert.Equal(t, 60*time.Second, dialer.KeepAliveConfig.Interval)
	assert.Equal(t, 5, dialer.KeepAliveConfig.Count)
	assert.Equal(t, 10*time.Second, dialer.Timeout)

	cfg := DefaultConfig()
	cfg.TCPKeepIdle = 30 * time.Second
	cfg.TCPKeepInterval = 10 * time.Second
	cfg.TCPKeepCount = 3
	dialer = newDialer(cfg)

	assert.Equal(t, 30*time.Second, dialer.KeepAliveConfig.Idle)
	assert.Equal(t, 10*time.Second, dialer.KeepAliveConfig.Interval)
	assert.Equal(t, 3, dialer.KeepAliveConfig.Count)
}

func TestNewTransport_TLS(t *testing.T) {
	assert.Nil(t, newTransport(DefaultConfig(), true).TLSClientConfig)

	insecure := newTransport(DefaultConfig(), false)
	if assert.NotNil(t, insecure.TLSClientConfig) {
		assert.True(t, insecure.TLSClientConfig.InsecureSkipVerify)
	}
}

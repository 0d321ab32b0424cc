package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/nuxeo/nuxeo-go/auth"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Version is sent in the X-Client-Version header.
const Version = "6.1.0"

const (
	DefaultHost              = "http://localhost:8080/nuxeo/"
	DefaultAPIPath           = "api/v1"
	DefaultAppName           = "nuxeo-go"
	DefaultRepository        = "default"
	DefaultDownloadChunkSize = 8 * 1024
)

// Config describes how to reach and talk to the server.
//
// Example configuration (YAML):
//
//	host: https://nuxeo.example.com/nuxeo/
//	username: Administrator
//	password: Administrator
//	max_retry: 3
//	read_timeout: 10m
type Config struct {
	Host          string   `yaml:"host"`
	APIPath       string   `yaml:"api_path"`
	AppName       string   `yaml:"app_name"`
	ClientVersion string   `yaml:"client_version"`
	Repository    string   `yaml:"repository"`
	Schemas       []string `yaml:"schemas"`

	// Credentials, used only when Auth is nil. A token wins over basic credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Token    string `yaml:"token"`
	// Auth overrides any credentials above.
	Auth auth.Authenticator `yaml:"-"`

	// SSLVerify controls TLS certificate verification. Default: true
	SSLVerify *bool `yaml:"ssl_verify"`

	// RetryBackoffFactor is the base of the exponential backoff, in seconds:
	// the n-th retry waits factor * 2^n. Default: 1
	RetryBackoffFactor float64  `yaml:"retry_backoff_factor"`
	MaxRetry           int      `yaml:"max_retry"`
	RetryStatuses      []int    `yaml:"retry_statuses"`
	RetryMethods       []string `yaml:"retry_methods"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`

	// TCP keep-alive probing, so that long idle uploads survive load balancers.
	TCPKeepIdle     time.Duration `yaml:"tcp_keep_idle"`
	TCPKeepInterval time.Duration `yaml:"tcp_keep_interval"`
	TCPKeepCount    int           `yaml:"tcp_keep_count"`

	DownloadChunkSize int `yaml:"download_chunk_size"`

	// DisableCompression stops asking the server for compressed responses.
	// Ranged requests are never compressed.
	DisableCompression bool `yaml:"disable_compression"`
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() Config {
	sslVerify := true
	return Config{
		Host:               DefaultHost,
		APIPath:            DefaultAPIPath,
		AppName:            DefaultAppName,
		ClientVersion:      Version,
		Repository:         DefaultRepository,
		Schemas:            []string{"*"},
		SSLVerify:          &sslVerify,
		RetryBackoffFactor: 1,
		MaxRetry:           5,
		RetryStatuses:      []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
		RetryMethods:       []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		ConnectTimeout:     10 * time.Second,
		ReadTimeout:        600 * time.Second,
		TCPKeepIdle:        60 * time.Second,
		TCPKeepInterval:    60 * time.Second,
		TCPKeepCount:       5,
		DownloadChunkSize:  DefaultDownloadChunkSize,
	}
}

// LoadConfig reads a YAML file of fs on top of the default values.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Environment variables read by ApplyEnv.
const (
	EnvHost       = "NUXEO_HOST"
	EnvAPIPath    = "NUXEO_API_PATH"
	EnvRepository = "NUXEO_REPOSITORY"
	EnvAppName    = "NUXEO_APP_NAME"
	EnvUsername   = "NUXEO_USERNAME"
	EnvPassword   = "NUXEO_PASSWORD"
	EnvToken      = "NUXEO_TOKEN"
	EnvMaxRetry   = "NUXEO_MAX_RETRY"
	EnvSSLVerify  = "NUXEO_SSL_VERIFY"
)

// ApplyEnv overrides the configuration with the non empty environment variables.
func (c *Config) ApplyEnv(envRepo env.Repository) error {
	set := func(key string, dst *string) {
		if v := envRepo.Get(key); v != "" {
			*dst = v
		}
	}
	set(EnvHost, &c.Host)
	set(EnvAPIPath, &c.APIPath)
	set(EnvRepository, &c.Repository)
	set(EnvAppName, &c.AppName)
	set(EnvUsername, &c.Username)
	set(EnvPassword, &c.Password)
	set(EnvToken, &c.Token)

	if v := envRepo.Get(EnvMaxRetry); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxRetry, err)
		}
		c.MaxRetry = n
	}
	if v := envRepo.Get(EnvSSLVerify); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSSLVerify, err)
		}
		c.SSLVerify = &b
	}
	return nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required, validation.By(httpURL)),
		validation.Field(&c.APIPath, validation.Required),
		validation.Field(&c.AppName, validation.Required),
		validation.Field(&c.MaxRetry, validation.Min(0)),
		validation.Field(&c.RetryBackoffFactor, validation.Min(0.0)),
		validation.Field(&c.RetryStatuses, validation.Each(validation.Min(100), validation.Max(599))),
		validation.Field(&c.RetryMethods, validation.Each(validation.In(
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
			http.MethodHead, http.MethodPatch, http.MethodOptions,
		))),
		validation.Field(&c.ConnectTimeout, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&c.ReadTimeout, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&c.TCPKeepIdle, validation.Min(time.Duration(0))),
		validation.Field(&c.TCPKeepInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.TCPKeepCount, validation.Min(0)),
		validation.Field(&c.DownloadChunkSize, validation.Min(0)),
	)
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("must have a host")
	}
	return nil
}

// Authenticator returns the configured authenticator, nil when anonymous.
func (c Config) Authenticator() auth.Authenticator {
	switch {
	case c.Auth != nil:
		return c.Auth
	case c.Token != "":
		return auth.NewTokenAuth(c.Token)
	case c.Username != "":
		return auth.NewBasicAuth(c.Username, c.Password)
	}
	return nil
}

func (c Config) sslVerify() bool {
	return c.SSLVerify == nil || *c.SSLVerify
}

func (c Config) normalizedHost() string {
	if strings.HasSuffix(c.Host, "/") {
		return c.Host
	}
	return c.Host + "/"
}

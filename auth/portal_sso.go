package auth

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/nuxeo/nuxeo-go/internal/digest"
)

// DefaultSSODigest ...
const DefaultSSODigest = "md5"

// PortalSSOAuth signs each request with a shared secret.
type PortalSSOAuth struct {
	Username        string
	Secret          string
	DigestAlgorithm string

	now    func() time.Time
	random func(max int64) int64
}

// NewPortalSSOAuth fails with UnknownDigest when the algorithm is not supported.
func NewPortalSSOAuth(username, secret, algorithm string) (*PortalSSOAuth, error) {
	if algorithm == "" {
		algorithm = DefaultSSODigest
	}
	if _, err := digest.New(algorithm); err != nil {
		return nil, err
	}
	return &PortalSSOAuth{
		Username:        username,
		Secret:          secret,
		DigestAlgorithm: algorithm,
		now:             time.Now,
		random:          rand.Int63n,
	}, nil
}

// Apply ...
func (a *PortalSSOAuth) Apply(req *http.Request) error {
	timestamp := a.now().UnixMilli()
	random := strconv.FormatInt(a.random(timestamp+1), 10)
	ts := strconv.FormatInt(timestamp, 10)

	token, err := a.sign(ts, random)
	if err != nil {
		return err
	}

	req.Header.Set("NX_USER", a.Username)
	req.Header.Set("NX_TS", ts)
	req.Header.Set("NX_RD", random)
	req.Header.Set("NX_TOKEN", token)
	return nil
}

func (a *PortalSSOAuth) sign(timestamp, random string) (string, error) {
	h, err := digest.New(a.DigestAlgorithm)
	if err != nil {
		return "", err
	}
	_, _ = fmt.Fprintf(h, "%s:%s:%s:%s", timestamp, random, a.Secret, a.Username)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Equal ...
func (a *PortalSSOAuth) Equal(other Authenticator) bool {
	o, ok := other.(*PortalSSOAuth)
	return ok && o.Username == a.Username && o.Secret == a.Secret && o.DigestAlgorithm == a.DigestAlgorithm
}

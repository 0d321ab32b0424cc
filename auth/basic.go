package auth

import (
	"net/http"
)

// BasicAuth sends "Authorization: Basic base64(user:pass)".
type BasicAuth struct {
	Username string
	Password string
}

// NewBasicAuth ...
func NewBasicAuth(username, password string) *BasicAuth {
	return &BasicAuth{Username: username, Password: password}
}

// Apply ...
func (a *BasicAuth) Apply(req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// Equal ...
func (a *BasicAuth) Equal(other Authenticator) bool {
	o, ok := other.(*BasicAuth)
	return ok && o.Username == a.Username && o.Password == a.Password
}

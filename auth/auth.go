// Package auth provides the request decorators used to authenticate against the server.
package auth

import (
	"net/http"
)

// Authenticator attaches credentials to a prepared request.
type Authenticator interface {
	Apply(req *http.Request) error
	Equal(other Authenticator) bool
}

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type BasicAuthEngine struct {
	Username string
	Password string
}

// NewBasicAuthEngine creates a new BasicAuthEngine accepting the given
// username and password.
func NewBasicAuthEngine(username string, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials. It returns a User object if the credentials are valid, nil otherwise.
func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(e.Password)) == 1
	if !userOK || !passOK {
		return nil, nil
	}

	return &User{
		Name: user,
	}, nil
}

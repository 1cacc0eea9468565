package auth

import (
	"context"
	"net/http"
)

type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// AuthenticateRequest tries each engine in order and returns the first user
// one of them accepts. Errors of individual engines count as a rejection.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {

	for _, engine := range e.engines {
		if user, err := engine.AuthenticateRequest(ctx, r); user != nil && err == nil {
			return user, nil
		}
	}

	return nil, nil
}

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
)

const BearerPrefix = "Bearer "

// TokenAuthEngine accepts requests carrying one of a fixed set of bearer
// tokens, as sent by notification relays that cannot do Basic Auth.
type TokenAuthEngine struct {
	tokens []string
}

func NewTokenAuthEngine(tokens ...string) *TokenAuthEngine {
	var kept []string
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			kept = append(kept, t)
		}
	}
	return &TokenAuthEngine{tokens: kept}
}

func (e *TokenAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, BearerPrefix) {
		return nil, nil
	}
	presented := []byte(strings.TrimSpace(header[len(BearerPrefix):]))
	if len(presented) == 0 {
		return nil, nil
	}

	for i, token := range e.tokens {
		if subtle.ConstantTimeCompare(presented, []byte(token)) == 1 {
			return &User{Name: "token-" + strconv.Itoa(i)}, nil
		}
	}
	return nil, nil
}

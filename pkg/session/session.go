// Package session provides the auth token surface the transports draw
// from. Tokens are opaque bearer credentials; when they happen to be
// JWTs the expiry claim is inspected locally so a dead token fails the
// primary connect before a round-trip.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource yields the current auth token. Implementations may refresh
// behind the scenes; callers re-ask on every connect attempt.
type TokenSource interface {
	Token() (string, error)
}

// Static is a fixed-token source for agents configured with a long-lived
// credential.
type Static string

func (s Static) Token() (string, error) {
	if s == "" {
		return "", fmt.Errorf("no auth token configured")
	}
	return string(s), nil
}

// Refreshable wraps a fetch function and caches its result until Expire
// is called (typically on an auth error from the primary transport).
type Refreshable struct {
	mu    sync.Mutex
	tok   string
	fetch func() (string, error)
}

func NewRefreshable(fetch func() (string, error)) *Refreshable {
	return &Refreshable{fetch: fetch}
}

func (r *Refreshable) Token() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tok != "" && Usable(r.tok) {
		return r.tok, nil
	}
	t, err := r.fetch()
	if err != nil {
		return "", err
	}
	r.tok = t
	return t, nil
}

// Expire drops the cached token so the next Token call re-fetches.
func (r *Refreshable) Expire() {
	r.mu.Lock()
	r.tok = ""
	r.mu.Unlock()
}

// Usable reports whether the token is worth presenting to the primary
// channel. Non-JWT tokens cannot be inspected and are presumed usable;
// JWTs with a past exp claim are not.
func Usable(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if strings.Count(token, ".") != 2 {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// not a JWT after all; treat as opaque
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(time.Now())
}

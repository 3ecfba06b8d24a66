// Package auth implements the single-password login used by the HTTP
// API. A successful login mints an opaque bearer token; tokens live in
// memory and die with the process.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

// ErrBadPassword is returned by Login on a password mismatch.
var ErrBadPassword = errors.New("invalid password")

const tokenBytes = 32

// Authenticator checks the shared password and tracks issued tokens.
// An empty password disables auth entirely: every token verifies.
type Authenticator struct {
	password string

	mu     sync.RWMutex
	tokens map[string]struct{}
}

// New creates an Authenticator for the given shared password.
func New(password string) *Authenticator {
	return &Authenticator{
		password: password,
		tokens:   make(map[string]struct{}),
	}
}

// Enabled reports whether a password is configured.
func (a *Authenticator) Enabled() bool {
	return a.password != ""
}

// Login checks the password and returns a fresh bearer token. The
// comparison is constant time.
func (a *Authenticator) Login(password string) (string, error) {
	if !a.Enabled() {
		return a.mint()
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return "", ErrBadPassword
	}
	return a.mint()
}

// Verify reports whether a token was issued by this process. With auth
// disabled every token, including an empty one, passes.
func (a *Authenticator) Verify(token string) bool {
	if !a.Enabled() {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.tokens[token]
	return ok
}

// Revoke invalidates a previously issued token.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *Authenticator) mint() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base58.Encode(buf)

	a.mu.Lock()
	a.tokens[token] = struct{}{}
	a.mu.Unlock()
	return token, nil
}

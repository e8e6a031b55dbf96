// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshLeeway refreshes slightly ahead of expiry so a token never dies
// mid-request.
const refreshLeeway = 30 * time.Second

// RefreshFunc obtains a fresh bearer token from the external auth component.
type RefreshFunc func(ctx context.Context) (string, error)

// TokenSource caches the current bearer token and refreshes it when the JWT
// exp claim is near. Invalidate forces a refresh on the next Token call,
// which the sync coordinator uses after a 401.
//
// The token is decoded without signature verification: the client is not the
// trust boundary, it only needs the expiry timestamp.
type TokenSource struct {
	refresh RefreshFunc

	// Now supplies the clock; tests inject a fake. Nil means time.Now.
	Now func() time.Time

	mu    sync.Mutex
	token string
}

// NewTokenSource wraps the refresh function with caching.
func NewTokenSource(refresh RefreshFunc) *TokenSource {
	return &TokenSource{refresh: refresh}
}

func (ts *TokenSource) now() time.Time {
	if ts.Now != nil {
		return ts.Now()
	}
	return time.Now()
}

// Token returns the cached bearer token, refreshing it first if it is absent,
// expired or about to expire.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.usable(ts.token) {
		return ts.token, nil
	}

	token, err := ts.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to refresh bearer token: %w", err)
	}
	ts.token = token
	return token, nil
}

// Invalidate drops the cached token so the next Token call refreshes. Called
// after the server rejects the credential with a 401.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
}

// usable reports whether the token's exp claim is comfortably in the future.
// Tokens that cannot be decoded are refreshed rather than rejected: the
// server has the final say.
func (ts *TokenSource) usable(token string) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return ts.now().Add(refreshLeeway).Before(exp.Time)
}

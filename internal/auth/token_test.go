// Copyright 2025 FitVault
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := signedToken(t, now.Add(time.Hour))

	calls := 0
	ts := NewTokenSource(func(context.Context) (string, error) {
		calls++
		return fresh, nil
	})
	ts.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		got, err := ts.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, fresh, got)
	}
	require.Equal(t, 1, calls, "token must be cached while valid")
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stale := signedToken(t, now.Add(10*time.Second)) // inside the leeway
	fresh := signedToken(t, now.Add(time.Hour))

	tokens := []string{stale, fresh}
	calls := 0
	ts := NewTokenSource(func(context.Context) (string, error) {
		tok := tokens[calls]
		calls++
		return tok, nil
	})
	ts.Now = func() time.Time { return now }

	got, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, stale, got)

	// The cached token is about to expire, so the next call refreshes.
	got, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, got)
	require.Equal(t, 2, calls)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fresh := signedToken(t, now.Add(time.Hour))

	calls := 0
	ts := NewTokenSource(func(context.Context) (string, error) {
		calls++
		return fresh, nil
	})
	ts.Now = func() time.Time { return now }

	_, err := ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Server said 401: drop the cache even though exp looks fine.
	ts.Invalidate()
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestUndecodableTokenRefreshes(t *testing.T) {
	calls := 0
	ts := NewTokenSource(func(context.Context) (string, error) {
		calls++
		return "opaque-not-a-jwt", nil
	})

	// An opaque token cannot prove it is still valid, so every call
	// refreshes rather than serving a possibly dead credential.
	_, err := ts.Token(context.Background())
	require.NoError(t, err)
	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRefreshFailurePropagates(t *testing.T) {
	ts := NewTokenSource(func(context.Context) (string, error) {
		return "", errors.New("auth service down")
	})
	_, err := ts.Token(context.Background())
	require.ErrorContains(t, err, "auth service down")
}

func TestIdentityContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "user-1", "device-9")

	user, ok := UserID(ctx)
	require.True(t, ok)
	require.Equal(t, "user-1", user)

	device, ok := DeviceID(ctx)
	require.True(t, ok)
	require.Equal(t, "device-9", device)

	_, ok = UserID(context.Background())
	require.False(t, ok)
}

package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSource struct {
	calls atomic.Int32
	token func() Token
}

func (s *countingSource) Token(ctx context.Context, docID string) (Token, error) {
	s.calls.Add(1)
	return s.token(), nil
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix(), "doc": "doc-1"})
	raw, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return raw
}

func TestTokenStoreCachesUntilNearExpiry(t *testing.T) {
	src := &countingSource{token: func() Token {
		return Token{Token: "x", ExpiresAt: time.Now().Add(10 * time.Minute)}
	}}
	store := NewTokenStore(src, time.Second, zap.NewNop(), nil)

	_, err := store.Token(context.Background(), "doc-1")
	require.NoError(t, err)
	_, err = store.Token(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	// Within the refresh margin the cached token is replaced.
	store.now = func() time.Time { return time.Now().Add(9*time.Minute + 30*time.Second) }
	_, err = store.Token(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())

	store.Invalidate("doc-1")
	store.now = time.Now
	_, err = store.Token(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestTokenStoreReadsJWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signed(t, exp)
	src := &countingSource{token: func() Token { return Token{Token: raw} }}
	store := NewTokenStore(src, time.Second, zap.NewNop(), nil)

	tok, err := store.Token(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.True(t, exp.Equal(tok.ExpiresAt))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.metrics.TokenRefreshes.WithLabelValues("ok")))
}

func TestTokenStoreTimeout(t *testing.T) {
	store := NewTokenStore(staticTokens{block: true}, 10*time.Millisecond, zap.NewNop(), nil)

	_, err := store.Token(context.Background(), "doc-1")
	assert.ErrorIs(t, err, ErrTokenTimeout)
	assert.Equal(t, 1.0, testutil.ToFloat64(store.metrics.TokenRefreshes.WithLabelValues("timeout")))
}

func TestTokenStoreParentCancel(t *testing.T) {
	store := NewTokenStore(staticTokens{block: true}, time.Minute, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Token(ctx, "doc-1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTokenTimeout))
}

func TestExpiryFromJWTRejectsGarbage(t *testing.T) {
	_, ok := expiryFromJWT("not-a-jwt")
	assert.False(t, ok)
}

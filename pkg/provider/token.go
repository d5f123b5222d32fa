package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaysync/pkg/metrics"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var ErrTokenTimeout = errors.New("provider: token fetch timed out")

// Token grants access to one document on the relay.
type Token struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	DocID     string    `json:"docId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenSource mints access tokens.
type TokenSource interface {
	Token(ctx context.Context, docID string) (Token, error)
}

// TokenStore caches tokens per document and refreshes them before expiry.
type TokenStore struct {
	source        TokenSource
	timeout       time.Duration
	refreshMargin time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]Token
}

// NewTokenStore wraps source. Every fetch is bounded by timeout.
func NewTokenStore(source TokenSource, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *TokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenStore{
		source:        source,
		timeout:       timeout,
		refreshMargin: time.Minute,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
		cache:         make(map[string]Token),
	}
}

// Token returns a cached token or fetches a fresh one.
func (s *TokenStore) Token(ctx context.Context, docID string) (Token, error) {
	s.mu.Lock()
	cached, ok := s.cache[docID]
	s.mu.Unlock()
	if ok && s.valid(cached) {
		return cached, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		token Token
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := s.source.Token(fetchCtx, docID)
		ch <- result{t, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-fetchCtx.Done():
		if ctx.Err() != nil {
			return Token{}, ctx.Err()
		}
		s.metrics.TokenRefreshes.WithLabelValues("timeout").Inc()
		s.logger.Warn("Token fetch timed out", zap.String("doc", docID), zap.Duration("timeout", s.timeout))
		return Token{}, fmt.Errorf("%w after %s", ErrTokenTimeout, s.timeout)
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.metrics.TokenRefreshes.WithLabelValues("timeout").Inc()
			return Token{}, fmt.Errorf("%w: %v", ErrTokenTimeout, res.err)
		}
		s.metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return Token{}, fmt.Errorf("failed to fetch token for %s: %w", docID, res.err)
	}

	token := res.token
	if token.ExpiresAt.IsZero() {
		if exp, ok := expiryFromJWT(token.Token); ok {
			token.ExpiresAt = exp
		}
	}

	s.mu.Lock()
	s.cache[docID] = token
	s.mu.Unlock()

	s.metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	s.logger.Debug("Fetched token", zap.String("doc", docID), zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

func (s *TokenStore) valid(t Token) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return s.now().Add(s.refreshMargin).Before(t.ExpiresAt)
}

// Invalidate drops the cached token of a document.
func (s *TokenStore) Invalidate(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, docID)
}

// expiryFromJWT reads the exp claim without verifying the signature.
func expiryFromJWT(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

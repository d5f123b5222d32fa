// Package relay talks to the relay server over HTTPS and websockets.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relaysync/pkg/provider"

	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("relay: not found")
	ErrUnauthorized = errors.New("relay: unauthorized")
)

// HTTPError is a non-retryable relay response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay: http %d", e.StatusCode)
	}
	return fmt.Sprintf("relay: http %d: %s", e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL      string
	APIKey       string
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	HTTPClient   *http.Client
}

// Client is the relay's HTTPS API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tokens     provider.TokenSource
	logger     *zap.Logger

	// Retry configuration
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// NewClient creates a relay client. Document requests authenticate with
// tokens minted by the client itself until SetTokenSource installs a cache.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}

	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		httpClient:   opts.HTTPClient,
		logger:       logger,
		maxRetries:   opts.MaxRetries,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		jitterFactor: opts.JitterFactor,
	}
	c.tokens = c
	return c
}

// SetTokenSource replaces the source of per-document bearer tokens.
func (c *Client) SetTokenSource(ts provider.TokenSource) {
	if ts == nil {
		ts = c
	}
	c.tokens = ts
}

type tokenRequest struct {
	DocID string `json:"docId"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	URL       string `json:"url"`
	DocID     string `json:"docId"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Token mints an access token for docID with the API key.
func (c *Client) Token(ctx context.Context, docID string) (provider.Token, error) {
	body, err := json.Marshal(tokenRequest{DocID: docID})
	if err != nil {
		return provider.Token{}, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/token", c.apiKey, "application/json", body)
	if err != nil {
		return provider.Token{}, fmt.Errorf("failed to mint token: %w", err)
	}

	var out tokenResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return provider.Token{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	token := provider.Token{Token: out.Token, URL: out.URL, DocID: out.DocID}
	if out.ExpiresAt > 0 {
		token.ExpiresAt = time.UnixMilli(out.ExpiresAt)
	}
	return token, nil
}

// PullUpdate fetches the server state of a document as a CRDT update. A
// missing document is reported as ErrNotFound.
func (c *Client) PullUpdate(ctx context.Context, docID string) ([]byte, error) {
	token, err := c.tokens.Token(ctx, docID)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/doc/"+url.PathEscape(docID)+"/update", token.Token, "", nil)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// PushUpdate sends a CRDT update for a document.
func (c *Client) PushUpdate(ctx context.Context, docID string, update []byte) error {
	token, err := c.tokens.Token(ctx, docID)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/doc/"+url.PathEscape(docID)+"/update", token.Token, "application/octet-stream", update)
	return err
}

// PullBlob downloads generic-file content by hash and returns it with its
// content type.
func (c *Client) PullBlob(ctx context.Context, folderID, hash string) ([]byte, string, error) {
	token, err := c.tokens.Token(ctx, folderID)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(ctx, http.MethodGet, blobPath(folderID, hash), token.Token, "", nil)
	if err != nil {
		return nil, "", err
	}
	return resp.body, resp.header.Get("Content-Type"), nil
}

// PushBlob uploads generic-file content under its hash.
func (c *Client) PushBlob(ctx context.Context, folderID, hash, mimetype string, data []byte) error {
	token, err := c.tokens.Token(ctx, folderID)
	if err != nil {
		return err
	}
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	_, err = c.do(ctx, http.MethodPut, blobPath(folderID, hash), token.Token, mimetype, data)
	return err
}

func blobPath(folderID, hash string) string {
	return "/folder/" + url.PathEscape(folderID) + "/blob/" + url.PathEscape(hash)
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do performs a request, retrying network errors, 429 and 5xx responses.
func (c *Client) do(ctx context.Context, method, path, bearer, contentType string, body []byte) (*response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.logger.Debug("Request failed, retrying",
					zap.String("method", method),
					zap.String("path", path),
					zap.Int("attempt", attempt+1),
					zap.Error(err))
				if err := sleepContext(ctx, c.calculateBackoff(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return &response{status: resp.StatusCode, header: resp.Header, body: payload}, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
		case resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
			if attempt < c.maxRetries {
				delay := c.calculateBackoff(attempt)
				if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
					delay = min(retryAfter, c.maxDelay)
				}
				c.logger.Debug("Relay busy, retrying",
					zap.String("path", path),
					zap.Int("status", resp.StatusCode),
					zap.Duration("delay", delay))
				if err := sleepContext(ctx, delay); err != nil {
					return nil, err
				}
			}
		default:
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
		}
	}

	return nil, fmt.Errorf("all attempts failed for %s %s: %w", method, path, lastErr)
}

// calculateBackoff calculates the exponential backoff delay with jitter
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	jitter := delay * c.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(c.baseDelay)
	}
	return time.Duration(delay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

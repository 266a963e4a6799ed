package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 100 << 20
)

// Credentials is the opaque credential provider for a source system. Token
// takes precedence over basic auth when both are set.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Client is a retrying HTTP client for one source system. Transient
// failures (connection errors, 408/429/5xx) are retried with exponential
// backoff up to the configured attempt count; 401/403 surface as
// ErrAuthentication immediately.
type Client struct {
	httpClient *http.Client
	creds      Credentials
	attempts   int
	backoff    time.Duration
}

// NewClient builds a Client. attempts is clamped to at least 1.
func NewClient(creds Credentials, attempts int, backoff time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		creds:      creds,
		attempts:   attempts,
		backoff:    backoff,
	}
}

// GetJSON fetches url and decodes the response body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	body, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrParse, url, err)
	}
	return nil
}

// Get fetches url and returns the response body, retrying transient
// failures.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			log.Debug().Str("url", url).Int("attempt", attempt+1).Dur("backoff", delay).Msg("retrying source request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := c.once(ctx, url)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.attempts, lastErr)
}

// once performs a single request. The bool reports whether the failure is
// retryable.
func (c *Client) once(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: status %d from %s", ErrAuthentication, resp.StatusCode, url)
	case retryableStatus(resp.StatusCode):
		return nil, true, fmt.Errorf("status %d from %s", resp.StatusCode, url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, false, fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read body from %s: %w", url, err)
	}
	return body, false, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.creds.Token)
		return
	}
	if c.creds.Username != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

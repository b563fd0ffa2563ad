// Package httpclient is the shared outbound HTTP client for the
// pipeline. LLM providers get rate-limit-aware retries; the KB server
// and LMS lookups disable retries entirely (retries belong to
// callers, per the concurrency model).
//
// Do keeps the response alongside the error for non-2xx statuses so
// callers can branch on the status code; a nil response always means
// the server was unreachable.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// retryClass decides how a failed attempt is retried.
type retryClass int

const (
	// noRetry fails immediately; quickRetry allows at most two fast
	// attempts on transient server errors; pacedRetry honors the
	// provider's Retry-After / reset headers on rate limits.
	noRetry retryClass = iota
	quickRetry
	pacedRetry
)

// RateLimitInfo is what a provider's rate-limit headers told us about
// when to come back.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// RateLimitHeaderParser extracts RateLimitInfo from response headers.
type RateLimitHeaderParser func(http.Header) RateLimitInfo

type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	headerParser RateLimitHeaderParser
	retries      bool
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.client.Timeout = timeout }
}

func WithMaxRetries(max int) Option {
	return func(c *Client) { c.maxRetries = max }
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) { c.baseDelay = delay }
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) { c.headerParser = parser }
}

// WithoutRetries disables the retry loop entirely.
func WithoutRetries() Option {
	return func(c *Client) { c.retries = false }
}

func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
		retries:    true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request, retrying retryable statuses. For a non-2xx
// response it returns BOTH the response and an "HTTP <code>" error;
// the caller owns closing the body in that case too.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	attempts := 1
	if c.retries {
		attempts = c.maxRetries + 1
	}

	var resp *http.Response
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("failed to rewind request body for retry: %w", bodyErr)
			}
			req.Body = body
		}

		resp, err = c.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		err = fmt.Errorf("HTTP %d", resp.StatusCode)

		class := classify(resp.StatusCode)
		if class == noRetry || attempt == attempts-1 {
			return resp, err
		}

		delay := c.delayFor(class, attempt, resp.Header)
		if delay <= 0 {
			return resp, err
		}

		slog.Debug("Retrying HTTP request",
			"status", resp.StatusCode, "attempt", attempt+1, "delay", delay)
		resp.Body.Close()
		time.Sleep(delay)
	}
	return resp, err
}

func classify(statusCode int) retryClass {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return pacedRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return quickRetry
	default:
		return noRetry
	}
}

func (c *Client) delayFor(class retryClass, attempt int, headers http.Header) time.Duration {
	switch class {
	case pacedRetry:
		if c.headerParser != nil {
			info := c.headerParser(headers)
			if info.RetryAfter > 0 {
				return info.RetryAfter
			}
			if info.ResetTime > 0 {
				if until := time.Until(time.Unix(info.ResetTime, 0)); until > 0 {
					return until
				}
			}
		}
		return c.baseDelay << attempt

	case quickRetry:
		if attempt >= 2 {
			return 0
		}
		return time.Duration(2+attempt) * time.Second

	default:
		return 0
	}
}

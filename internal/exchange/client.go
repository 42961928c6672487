package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"acctsync/internal/schema"
)

// ClientConfig tunes throttling and retry for the remote API client.
type ClientConfig struct {
	// RequestsPerSecond caps the steady-state call rate across all methods.
	RequestsPerSecond float64

	// Burst allows short bursts above the steady rate.
	Burst int

	// MaxRetries bounds retry attempts per call. Zero disables retry.
	MaxRetries uint64

	// InitialBackoff is the first retry delay; it grows exponentially.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
}

// DefaultClientConfig matches the public rate limits of the remote API with
// headroom for concurrent private calls.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestsPerSecond: 2.0,
		Burst:             3,
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Client wraps a Transport with rate limiting and exponential-backoff retry.
type Client struct {
	transport Transport
	limiter   *rate.Limiter
	cfg       ClientConfig
	logger    *slog.Logger
}

// NewClient creates a throttled, retrying client over the given transport.
func NewClient(transport Transport, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultClientConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:       cfg,
		logger:    logger.With("component", "exchange"),
	}
}

// Fetch performs one page request, waiting for rate-limit headroom and
// retrying transient failures. Auth failures and malformed-request errors
// surface immediately.
func (c *Client) Fetch(ctx context.Context, creds Credentials, method schema.Method, params FetchParams) (Page, error) {
	var page Page

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		p, err := c.transport.Fetch(ctx, creds, method, params)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		page = p
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.cfg.InitialBackoff
	expBackoff.MaxInterval = c.cfg.MaxBackoff
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, c.cfg.MaxRetries), ctx,
	)

	notify := func(err error, next time.Duration) {
		c.logger.Warn("retrying api call",
			"method", string(method),
			"symbol", params.Symbol,
			"next_attempt_in", next,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return Page{}, &APIError{Method: method, Err: err}
	}
	return page, nil
}

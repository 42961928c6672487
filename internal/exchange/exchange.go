// Package exchange provides the client for the remote account-data API. It
// wraps an injected transport with rate limiting and retry, and exposes the
// paginated fetch surface the sync core consumes.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"acctsync/internal/schema"
)

// FetchParams describes one page request against a remote endpoint. Start and
// End are inclusive millisecond bounds; zero means unbounded on that side.
// Sort follows the wire convention (1 ascending, -1 descending); zero means
// descending, the remote default.
type FetchParams struct {
	Symbol    string
	Timeframe string
	Start     int64
	End       int64
	Limit     int
	Sort      int
}

// Page is one page of remote records, already mapped to model field names and
// ordered per the request's Sort.
type Page struct {
	Records []schema.Record
}

// Credentials identify the account a private fetch runs against.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Transport performs the actual remote call for one method. Implementations
// handle the wire protocol; the client layered on top handles throttling and
// retry.
type Transport interface {
	Fetch(ctx context.Context, creds Credentials, method schema.Method, params FetchParams) (Page, error)
}

// Gateway is the fetch surface the sync core depends on.
type Gateway interface {
	Fetch(ctx context.Context, creds Credentials, method schema.Method, params FetchParams) (Page, error)
}

// Sentinel errors a transport reports for remote failure classes. Rate-limit
// and unavailability errors are retried; auth errors are not.
var (
	ErrRateLimited  = errors.New("exchange: rate limited")
	ErrUnavailable  = errors.New("exchange: temporarily unavailable")
	ErrUnauthorized = errors.New("exchange: unauthorized")
)

// APIError wraps a remote failure with the method it occurred on.
type APIError struct {
	Method schema.Method
	Err    error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api call %s: %v", e.Method, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether a remote error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

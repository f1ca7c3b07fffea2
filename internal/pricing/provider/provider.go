package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/binderd/pricewatch/internal/pricing"
)

// Kind classifies adapter failures. Every kind is recoverable by falling
// through to the next provider in the chain; only the resolver decides when
// a request is truly out of options.
type Kind string

const (
	KindRateLimited    Kind = "rate_limited"
	KindNotFound       Kind = "not_found"
	KindMalformed      Kind = "malformed"
	KindNetworkFailure Kind = "network_failure"
)

// Error is the normalized failure an adapter surfaces. ConsumedQuota tells
// the resolver whether the failed call burned a request against the
// provider's quota (a 404 does, a connection refusal does not), which drives
// the release-versus-keep decision on the reservation.
type Error struct {
	Provider       string
	Kind           Kind
	Message        string
	Err            error
	ConsumedQuota  bool
	RemainingQuota *int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %s: %v", e.Provider, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is a successful fetch: the normalized record plus the provider's
// reported remaining quota when its response headers expose one.
type Result struct {
	Record         pricing.PriceRecord
	RemainingQuota *int
}

// Adapter is the boundary between the resolver and one external pricing
// source. Implementations translate their own REST shape into the canonical
// record; the resolver never sees provider-specific fields. Adding a provider
// means adding an implementation, not touching the resolver.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, spec pricing.RequestSpec) (Result, error)
}

// BatchFetcher is implemented by adapters whose API supports batch lookup.
// Batches should be sized at the provider's documented maximum so the refresh
// scheduler spends one quota unit on many entries. Results are keyed by item
// identity; absent keys mean the provider had no answer for that item.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, specs []pricing.RequestSpec) (map[string]Result, error)
}

// remainingFromHeader parses the conventional rate-limit header, returning
// nil when the provider does not report one.
func remainingFromHeader(header http.Header) *int {
	raw := header.Get("X-RateLimit-Remaining")
	if raw == "" {
		return nil
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &remaining
}

// statusError maps a non-2xx response to the normalized taxonomy. The request
// reached the provider, so quota was consumed unless the provider itself
// rejected the call for rate limiting.
func statusError(name string, status int, remaining *int) *Error {
	switch {
	case status == http.StatusNotFound:
		return &Error{Provider: name, Kind: KindNotFound, Message: "item not found", ConsumedQuota: true, RemainingQuota: remaining}
	case status == http.StatusTooManyRequests:
		return &Error{Provider: name, Kind: KindRateLimited, Message: "provider rate limited", ConsumedQuota: false, RemainingQuota: remaining}
	case status >= 500:
		return &Error{Provider: name, Kind: KindNetworkFailure, Message: fmt.Sprintf("upstream status %d", status), ConsumedQuota: true, RemainingQuota: remaining}
	default:
		return &Error{Provider: name, Kind: KindMalformed, Message: fmt.Sprintf("unexpected status %d", status), ConsumedQuota: true, RemainingQuota: remaining}
	}
}

// networkError wraps a transport-level failure; no request was accounted by
// the provider.
func networkError(name string, err error) *Error {
	return &Error{Provider: name, Kind: KindNetworkFailure, Message: "request failed", Err: err, ConsumedQuota: false}
}

// malformedError wraps an undecodable response body. The call itself
// succeeded, so quota was spent.
func malformedError(name string, err error, remaining *int) *Error {
	return &Error{Provider: name, Kind: KindMalformed, Message: "undecodable response", Err: err, ConsumedQuota: true, RemainingQuota: remaining}
}

// httpDoer lets tests substitute the HTTP client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// maxResponseBytes bounds how much of a provider response is read; pricing
// payloads are small and an unbounded read would let a misbehaving provider
// exhaust memory.
const maxResponseBytes = 4 << 20

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

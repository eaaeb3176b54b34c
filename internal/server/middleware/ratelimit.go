package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/backendhub/hubd/internal/metrics"
	"github.com/backendhub/hubd/internal/ratelimit"
	"github.com/fulmenhq/gofulmen/errors"
)

// RateLimitMessage is returned to rejected clients.
const RateLimitMessage = "Too many requests, please try again later."

// Standard rate limit response headers (IETF draft-6 names).
const (
	HeaderRateLimitPolicy    = "RateLimit-Policy"
	HeaderRateLimitLimit     = "RateLimit-Limit"
	HeaderRateLimitRemaining = "RateLimit-Remaining"
	HeaderRateLimitReset     = "RateLimit-Reset"
)

// RateLimitOptions configures the admission gate.
type RateLimitOptions struct {
	// Group labels rejections in telemetry, e.g. "portfolio".
	Group string

	// TrustProxy takes the client address from the rightmost
	// X-Forwarded-For entry (one trusted hop).
	TrustProxy bool

	// Skip exempts matching requests from counting. Nil uses IsHealthPath.
	Skip func(r *http.Request) bool
}

// RateLimit admits at most limiter.Limit requests per client within the
// limiter window. Rejected requests get a 429 RATE_LIMITED envelope.
func RateLimit(limiter *ratelimit.Limiter, opts RateLimitOptions) func(http.Handler) http.Handler {
	skip := opts.Skip
	if skip == nil {
		skip = IsHealthPath
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			decision := limiter.Allow(ClientKey(r, opts.TrustProxy))
			resetAfter := decision.ResetAfter(limiter.Now())
			resetSeconds := strconv.Itoa(int(resetAfter.Seconds()))

			h := w.Header()
			h.Set(HeaderRateLimitPolicy, fmt.Sprintf("%d;w=%d", decision.Limit, int(decision.Window.Seconds())))
			h.Set(HeaderRateLimitLimit, strconv.Itoa(decision.Limit))
			h.Set(HeaderRateLimitRemaining, strconv.Itoa(decision.Remaining))
			h.Set(HeaderRateLimitReset, resetSeconds)

			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitRejection(opts.Group)

			h.Set("Retry-After", resetSeconds)
			envelope := errors.NewErrorEnvelope("RATE_LIMITED", RateLimitMessage).
				WithCorrelationID(GetRequestID(r.Context()))
			writeErrorResponse(w, envelope, http.StatusTooManyRequests)
		})
	}
}

// IsHealthPath reports whether the request path contains "health".
// Health endpoints are never rate limited.
func IsHealthPath(r *http.Request) bool {
	return strings.Contains(r.URL.Path, "health")
}

// ClientKey returns the address used to count requests for r.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.Join(r.Header.Values("X-Forwarded-For"), ","); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[len(parts)-1]); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

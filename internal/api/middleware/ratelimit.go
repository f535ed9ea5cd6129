// SPDX-License-Identifier: MIT

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitConfig holds configuration for the API rate limiter.
type RateLimitConfig struct {
	// RequestLimit is the sustained requests-per-second budget per client.
	RequestLimit int
	// Burst widens the accounting window so short spikes are tolerated:
	// the limiter allows Burst requests per Burst/RequestLimit seconds.
	// Zero or below RequestLimit means a plain one-second window.
	Burst int
	// KeyFunc extracts the rate limit key from the request.
	// If nil, defaults to IP-based rate limiting.
	KeyFunc func(r *http.Request) (string, error)
}

// RateLimit creates a rate limiting middleware using httprate's sliding
// window counter. Rejected requests get a JSON 429 with Retry-After.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = httprate.KeyByIP
	}

	limit := cfg.RequestLimit
	window := time.Second
	if cfg.Burst > limit && limit > 0 {
		window = time.Duration(cfg.Burst) * time.Second / time.Duration(limit)
		limit = cfg.Burst
	}

	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(keyFunc),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error_code":"RATE_LIMITED","detail":"too many requests, slow down"}`))
		}),
	)
}

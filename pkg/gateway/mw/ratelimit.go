package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/callbridge/pkg/core"
	"github.com/vango-go/callbridge/pkg/gateway/principal"
	"github.com/vango-go/callbridge/pkg/gateway/ratelimit"
)

// RateLimitHits counts rejected requests.
type RateLimitHits interface {
	RecordRateLimitHit(limitType string)
}

// RateLimit applies the per-client webhook token bucket.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, hits RateLimitHits, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := principal.Resolve(r, trustProxyHeaders)

		dec := limiter.AcquireRequest(client.Key, time.Now())
		if !dec.Allowed {
			if hits != nil {
				hits.RecordRateLimitHit("webhook")
			}
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			apiErr := core.NewRateLimitError("rate limit exceeded", dec.RetryAfter)
			apiErr.RequestID = reqID
			writeJSONError(w, http.StatusTooManyRequests, apiErr)
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/hikaku/internal/model"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// rate limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID for the error envelope.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter per key. Limiter errors are logged and the
// request proceeds.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				var requestID string
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				w.Header().Set("Retry-After", "1")
				writeRateLimitError(w, requestID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys on the client IP from RemoteAddr. X-Forwarded-For is not
// consulted because any client can set it.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// ForwardedIPKeyFunc keys on the first X-Forwarded-For address, falling back
// to RemoteAddr. Only use behind a proxy that overwrites the header.
func ForwardedIPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	return IPKeyFunc(r)
}

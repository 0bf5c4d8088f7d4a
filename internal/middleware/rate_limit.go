package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Counter counts requests of an owner in the current minute.
type Counter interface {
	Hit(ctx context.Context, owner string, now time.Time) (int, error)
}

// RateLimit returns middleware that enforces a per-minute limit per owner
// context. It must run after OwnerLoader.
func RateLimit(counter Counter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := GetOwner(r.Context())
			if owner == "" || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			count, err := counter.Hit(r.Context(), owner, time.Now())
			if err != nil {
				slog.Error("rate limit check failed", "error", err, "owner", owner)
				next.ServeHTTP(w, r)
				return
			}

			if count > limit {
				slog.Debug("rate limited", "owner", owner, "count", count, "limit", limit)
				w.Header().Set("Retry-After", strconv.Itoa(60-time.Now().Second()))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey string

const OwnerKey ctxKey = "owner"

// OwnerHeader names the owner context of a request. Event streams may pass
// it as the "owner" query parameter instead.
const OwnerHeader = "X-Owner-Context"

const maxOwnerLen = 128

// GetOwner extracts the owner context id from ctx.
func GetOwner(ctx context.Context) string {
	owner, _ := ctx.Value(OwnerKey).(string)
	return owner
}

// WithOwner returns ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

// OwnerLoader returns middleware that puts the owner context into the
// request context and rejects requests without one.
func OwnerLoader() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if owner == "" {
				owner = strings.TrimSpace(r.URL.Query().Get("owner"))
			}
			if owner == "" || len(owner) > maxOwnerLen {
				http.Error(w, "owner context is required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

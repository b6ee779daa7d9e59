package api

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/atmx/fund-engine/internal/admin"
	"github.com/atmx/fund-engine/internal/apperrors"
)

// ErrThrottled is returned when the mutation budget is spent.
var ErrThrottled = apperrors.New(apperrors.RateLimited, "api: too many requests")

type capabilityKey struct{}

// RequireAdmin exchanges the X-Admin-Key header for a capability and stores
// it in the request context. Requests without a valid key never reach next.
func RequireAdmin(auth *admin.Authority) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capa, err := auth.Verify(r.Header.Get(admin.HeaderKey))
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), capabilityKey{}, capa)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// capability returns the capability RequireAdmin stored, or the zero value.
func capability(ctx context.Context) admin.Capability {
	capa, _ := ctx.Value(capabilityKey{}).(admin.Capability)
	return capa
}

// RateLimit rejects requests once limiter has no tokens left. A nil
// limiter disables throttling.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, ErrThrottled)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

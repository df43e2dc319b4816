package auth

import (
	"net/http"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/api"
	"github.com/trialpulse/clindata/core/pkg/limiter"
)

// ActorRateLimit throttles appends per authenticated actor through the
// shared limiter store. A nil store or a limiter error fails open: write
// availability beats throttling precision here.
func ActorRateLimit(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := r.RemoteAddr
			if p := accesscontrol.PrincipalFromContext(r.Context()); p != nil {
				key = p.TenantID + "/" + p.ActorID
			}

			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

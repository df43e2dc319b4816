// Package auth verifies bearer tokens at the HTTP edge and turns their
// claims into the request principal every downstream check keys off. The
// token names who the caller is; it never carries a tenant visibility set,
// which is always re-resolved from site assignments per query.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trialpulse/clindata/core/pkg/accesscontrol"
	"github.com/trialpulse/clindata/core/pkg/api"
)

// Claims are the token claims the data store requires. Subject is the
// actor id; role and tenant binding are mandatory.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}

// JWTValidator validates HS256 bearer tokens against a shared secret.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret}
}

// Validate parses and verifies one token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are probe endpoints that answer without authentication.
var publicPaths = []string{
	"/health",
	"/readiness",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware builds the bearer-token middleware. A nil validator
// rejects every non-public request: misconfiguration fails closed.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}
			role := accesscontrol.Role(claims.Role)
			if !role.Valid() || role == accesscontrol.RoleService {
				// Service identity is in-process only; a token claiming it
				// is treated as forged.
				api.WriteUnauthorized(w, "Token role is missing or not permitted")
				return
			}
			if claims.TenantID == "" && role == accesscontrol.RoleSubject {
				api.WriteUnauthorized(w, "Token tenant binding is required")
				return
			}

			principal := &accesscontrol.Principal{
				ActorID:  claims.Subject,
				Role:     role,
				TenantID: claims.TenantID,
			}
			ctx := accesscontrol.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vaultgate/vaultgate/internal/models"
	pkghttp "github.com/vaultgate/vaultgate/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for storing token claims in context
	ClaimsContextKey contextKey = "claims"
)

// UserFetcher loads the current user row for stamp comparison.
type UserFetcher interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// SessionMiddleware validates bearer tokens and enforces security stamp
// freshness: a token issued before the stamp rotated is rejected on the
// very next call, which is the sole session revocation mechanism.
func SessionMiddleware(tm *TokenManager, users UserFetcher) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				pkghttp.WriteUnauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := tm.ValidateToken(parts[1])
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Invalid or expired token")
				return
			}

			// Refresh tokens are only valid at the refresh endpoint
			if claims.Type != "access" {
				pkghttp.WriteUnauthorized(w, "Token type not valid for API access")
				return
			}

			user, err := users.GetByID(r.Context(), claims.UserID)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Unauthorized")
				return
			}

			if !user.Enabled {
				pkghttp.WriteForbidden(w, "Account is disabled")
				return
			}

			if user.SecurityStamp != claims.SecurityStamp {
				pkghttp.WriteUnauthorized(w, "Session is no longer valid")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts validated token claims from the request context.
func ClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*models.TokenClaims)
	return claims, ok
}

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/metrics"
)

// Authenticator resolves an owner from a presented API token.
// service.OwnerService satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Owner, error)
}

type contextKey string

// OwnerContextKey is the request context key holding the authenticated owner.
const OwnerContextKey contextKey = "wpic.owner"

// AuthorizationHeader is the header carrying the Bearer token.
const AuthorizationHeader = "Authorization"

// Config contains configuration for the auth middleware.
type Config struct {
	// SkipPaths are paths that skip authentication.
	SkipPaths []string
}

// DefaultConfig returns the default auth configuration.
func DefaultConfig() Config {
	return Config{
		SkipPaths: []string{"/health", "/metrics"},
	}
}

// Middleware authenticates requests with a Bearer API token and stores
// the resolved owner in the request context.
func Middleware(authenticator Authenticator, config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, path := range config.SkipPaths {
				if r.URL.Path == path {
					next.ServeHTTP(w, r)
					return
				}
			}

			token := extractToken(r)
			if token == "" {
				writeAuthError(w, ErrMissingToken)
				return
			}

			owner, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				metrics.RecordAuthAttempt(false)
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
				writeAuthError(w, err)
				return
			}
			metrics.RecordAuthAttempt(true)

			r = r.WithContext(context.WithValue(r.Context(), OwnerContextKey, owner))
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken pulls the API token from the Authorization header
// ("Bearer <token>") or, for direct links, the token query parameter.
func extractToken(r *http.Request) string {
	header := r.Header.Get(AuthorizationHeader)
	if header != "" {
		if after, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
		return strings.TrimSpace(header)
	}
	return r.URL.Query().Get("token")
}

// writeAuthError writes a JSON error response.
func writeAuthError(w http.ResponseWriter, err error) {
	authErr := NewAuthError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(authErr.HTTPStatus)

	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    string(authErr.Code),
		"message": authErr.Message,
	})
}

// OwnerFromContext retrieves the authenticated owner, if any.
func OwnerFromContext(ctx context.Context) *domain.Owner {
	if owner, ok := ctx.Value(OwnerContextKey).(*domain.Owner); ok {
		return owner
	}
	return nil
}

// RequireOwner retrieves the authenticated owner or fails.
func RequireOwner(ctx context.Context) (*domain.Owner, error) {
	owner := OwnerFromContext(ctx)
	if owner == nil {
		return nil, ErrMissingToken
	}
	return owner, nil
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/service"
)

// fakeAuthenticator accepts exactly one token.
type fakeAuthenticator struct {
	token string
	owner *domain.Owner
	err   error
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token string) (*domain.Owner, error) {
	if f.err != nil {
		return nil, f.err
	}
	if token != f.token {
		return nil, domain.ErrInvalidToken
	}
	return f.owner, nil
}

// echoOwnerHandler records the owner seen in the request context.
func echoOwnerHandler(seen **domain.Owner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = OwnerFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_BearerToken(t *testing.T) {
	owner := &domain.Owner{ID: 1, Name: "gallery", Active: true}
	authn := &fakeAuthenticator{token: "valid-token", owner: owner}

	var seen *domain.Owner
	h := Middleware(authn, DefaultConfig())(echoOwnerHandler(&seen))

	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	req.Header.Set(AuthorizationHeader, "Bearer valid-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	require.Equal(t, int64(1), seen.ID)
}

func TestMiddleware_TokenSources(t *testing.T) {
	owner := &domain.Owner{ID: 1, Active: true}

	tests := []struct {
		name    string
		prepare func(req *http.Request)
	}{
		{
			name: "bare header value",
			prepare: func(req *http.Request) {
				req.Header.Set(AuthorizationHeader, "valid-token")
			},
		},
		{
			name: "query parameter",
			prepare: func(req *http.Request) {
				q := req.URL.Query()
				q.Set("token", "valid-token")
				req.URL.RawQuery = q.Encode()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authn := &fakeAuthenticator{token: "valid-token", owner: owner}
			var seen *domain.Owner
			h := Middleware(authn, DefaultConfig())(echoOwnerHandler(&seen))

			req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
			tt.prepare(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			require.NotNil(t, seen)
		})
	}
}

func TestMiddleware_Failures(t *testing.T) {
	tests := []struct {
		name       string
		authn      *fakeAuthenticator
		header     string
		wantStatus int
	}{
		{
			name:       "missing token",
			authn:      &fakeAuthenticator{token: "valid-token"},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid token",
			authn:      &fakeAuthenticator{token: "valid-token"},
			header:     "Bearer wrong",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "deactivated owner",
			authn:      &fakeAuthenticator{err: service.ErrOwnerInactive},
			header:     "Bearer valid-token",
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen *domain.Owner
			h := Middleware(tt.authn, DefaultConfig())(echoOwnerHandler(&seen))

			req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
			if tt.header != "" {
				req.Header.Set(AuthorizationHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			require.Nil(t, seen)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestMiddleware_SkipPaths(t *testing.T) {
	authn := &fakeAuthenticator{token: "valid-token"}
	var seen *domain.Owner
	h := Middleware(authn, DefaultConfig())(echoOwnerHandler(&seen))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, seen)
}

func TestRequireOwner(t *testing.T) {
	_, err := RequireOwner(context.Background())
	require.ErrorIs(t, err, ErrMissingToken)

	owner := &domain.Owner{ID: 5}
	ctx := context.WithValue(context.Background(), OwnerContextKey, owner)
	got, err := RequireOwner(ctx)
	require.NoError(t, err)
	require.Equal(t, owner, got)
}

func TestMasterKeyMiddleware(t *testing.T) {
	hash, err := HashMasterKey("super-secret")
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		hash       string
		key        string
		wantStatus int
	}{
		{name: "valid key", hash: hash, key: "super-secret", wantStatus: http.StatusOK},
		{name: "wrong key", hash: hash, key: "guess", wantStatus: http.StatusForbidden},
		{name: "missing key", hash: hash, wantStatus: http.StatusUnauthorized},
		{name: "admin surface disabled", hash: "", key: "super-secret", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := MasterKeyMiddleware(tt.hash)(next)

			req := httptest.NewRequest(http.MethodPost, "/admin/owners", nil)
			if tt.key != "" {
				req.Header.Set(MasterKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestVerifyMasterKey(t *testing.T) {
	hash, err := HashMasterKey("key")
	require.NoError(t, err)

	require.NoError(t, VerifyMasterKey(hash, "key"))
	require.ErrorIs(t, VerifyMasterKey(hash, "other"), ErrInvalidMasterKey)
}

package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/metrics"
)

// HealthChecker reports database liveness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Router assembles the HTTP surface: public image links, the
// authenticated owner API and the master-key admin API.
type Router struct {
	images           *ImageHandler
	admin            *AdminHandler
	authMiddleware   func(http.Handler) http.Handler
	masterMiddleware func(http.Handler) http.Handler
	health           HealthChecker
	logger           zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	ImageHandler     *ImageHandler
	AdminHandler     *AdminHandler
	AuthMiddleware   func(http.Handler) http.Handler
	MasterMiddleware func(http.Handler) http.Handler
	Health           HealthChecker
	Logger           zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	return &Router{
		images:           config.ImageHandler,
		admin:            config.AdminHandler,
		authMiddleware:   config.AuthMiddleware,
		masterMiddleware: config.MasterMiddleware,
		health:           config.Health,
		logger:           config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", rt.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Image links are capability URLs: the access token in the path is
	// the credential.
	r.Get("/i/{token}", rt.images.handleFetchOriginal)
	r.Get("/i/{token}/{kind}", rt.images.handleFetchDerivative)

	// Owner API.
	r.Group(func(r chi.Router) {
		r.Use(rt.authMiddleware)
		r.Post("/api/images", rt.images.handleUpload)
		r.Get("/api/images", rt.images.handleList)
		r.Get("/api/usage", rt.images.handleUsage)
		r.Delete("/api/images/{token}", rt.images.handleDelete)
	})

	// Admin API.
	r.Group(func(r chi.Router) {
		r.Use(rt.masterMiddleware)
		rt.admin.RegisterRoutes(r)
	})

	return r
}

// handleHealth handles health check requests.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.health != nil {
		if err := rt.health.Ping(r.Context()); err != nil {
			rt.logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

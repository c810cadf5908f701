package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/karatworks/api/internal/platform/httpx"
)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

// RouteRegistrar mounts a group of routes on the router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	pricing     RouteRegistrar
	rates       RouteRegistrar
	stones      RouteRegistrar
	discounts   RouteRegistrar
	refreshJobs RouteRegistrar
	webhooks    RouteRegistrar

	webhookMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router before construction.
type Option func(*routerConfig)

// WithMiddlewares appends global middleware.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.middlewares = append(cfg.middlewares, mw...) }
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithPricingRoutes mounts the price breakdown endpoints.
func WithPricingRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.pricing = reg }
}

// WithRateRoutes mounts the metal rate endpoints.
func WithRateRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.rates = reg }
}

// WithStoneRoutes mounts the stone catalog endpoints.
func WithStoneRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.stones = reg }
}

// WithDiscountRoutes mounts the discount rule endpoints.
func WithDiscountRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.discounts = reg }
}

// WithRefreshJobRoutes mounts the refresh job endpoints.
func WithRefreshJobRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.refreshJobs = reg }
}

// WithWebhookRoutes mounts the webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.webhooks = reg }
}

// WithWebhookMiddlewares applies middleware to the /webhooks group only.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) { cfg.webhookMiddlewares = append(cfg.webhookMiddlewares, mw...) }
}

// NewRouter assembles the chi router: health probes at the root, every API
// group under the versioned prefix. Groups without a registrar answer 501
// so the surface stays discoverable during partial deployments.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	mounts := []struct {
		path      string
		name      string
		registrar RouteRegistrar
		mw        []func(http.Handler) http.Handler
	}{
		{"/pricing", "pricing", cfg.pricing, nil},
		{"/rates", "rates", cfg.rates, nil},
		{"/stones", "stones", cfg.stones, nil},
		{"/discounts", "discounts", cfg.discounts, nil},
		{"/refresh-jobs", "refreshJobs", cfg.refreshJobs, nil},
		{"/webhooks", "webhooks", cfg.webhooks, cfg.webhookMiddlewares},
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, m := range mounts {
			m := m
			api.Route(m.path, func(group chi.Router) {
				for _, mw := range m.mw {
					if mw != nil {
						group.Use(mw)
					}
				}
				if m.registrar != nil {
					m.registrar(group)
					return
				}
				mountPlaceholder(group, m.name)
			})
		}
	})

	return r
}

func mountPlaceholder(r chi.Router, name string) {
	respond := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w,
			httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/", respond)
	r.HandleFunc("/*", respond)
	r.NotFound(respond)
	r.MethodNotAllowed(respond)
}

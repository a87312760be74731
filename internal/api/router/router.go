package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	"github.com/wolfman30/teletherapy-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/teletherapy-platform/internal/http/middleware"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	FlowHandler        *handlers.FlowHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// Webhook rate limit per source IP. Zero disables limiting.
	WebhookRatePerSecond float64
	WebhookBurst         int
	Clock                clock.Clock
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg == nil || cfg.FlowHandler == nil {
		panic("router: flow handler required")
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	flow := cfg.FlowHandler

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", flow.Health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		public.Group(func(hooks chi.Router) {
			if cfg.WebhookRatePerSecond > 0 {
				limiter := httpmiddleware.NewRateLimiter(cfg.WebhookRatePerSecond, cfg.WebhookBurst, cfg.Clock)
				hooks.Use(httpmiddleware.RateLimit(limiter))
			}
			hooks.Post("/webhooks/payments", flow.PaymentWebhook)
		})
	})

	r.Route("/v1", flow.RegisterRoutes)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		flow.RegisterAdminRoutes(admin)
	})

	return r
}

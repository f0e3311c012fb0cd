package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/embedchat/agent-gateway/internal/analytics"
	"github.com/embedchat/agent-gateway/internal/auth"
	"github.com/embedchat/agent-gateway/internal/config"
	"github.com/embedchat/agent-gateway/internal/instance"
	"github.com/embedchat/agent-gateway/internal/kv"
	"github.com/embedchat/agent-gateway/internal/originauth"
	"github.com/embedchat/agent-gateway/internal/ratelimit"
	"github.com/embedchat/agent-gateway/internal/telemetry"
	"github.com/embedchat/agent-gateway/internal/upstream"
)

// Server is the assembled HTTP surface of the gateway.
type Server struct {
	Router *chi.Mux

	cfg        *config.Config
	logger     *slog.Logger
	store      kv.Store
	instances  *instance.Store
	authorizer *originauth.Authorizer
	limiter    *ratelimit.Limiter
	upstream   *upstream.Client
	recorder   *analytics.Recorder
	registry   *prometheus.Registry
	verifier   *auth.Verifier

	httpSrv *http.Server
	now     func() time.Time
}

// New assembles the router and middleware chain around the injected
// collaborators. The store handle is only used for health probes; all
// real traffic goes through the typed collaborators.
func New(cfg *config.Config, logger *slog.Logger, store kv.Store, instances *instance.Store, limiter *ratelimit.Limiter, up *upstream.Client, recorder *analytics.Recorder) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		instances:  instances,
		authorizer: originauth.New(cfg.Server.PublicHost),
		limiter:    limiter,
		upstream:   up,
		recorder:   recorder,
		registry:   telemetry.NewRegistry(),
		now:        time.Now,
	}
	if cfg.Auth.ServiceToken != "" {
		s.verifier = auth.NewVerifier(cfg.Auth.ServiceToken)
	}

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware)
	r.Use(CORSMiddleware)
	r.Use(TimeoutMiddleware(timeout))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, cfg.Telemetry.ServiceName)
	})

	r.Post("/chat", s.handleChat)
	r.Get("/health", s.handleHealth)
	r.Get("/instances/{instanceID}/config", s.handleWidgetConfig)
	r.Method(http.MethodGet, "/metrics", telemetry.MetricsHandler(s.registry))

	// The analytics read API only exists when a service token is
	// configured.
	if s.verifier != nil {
		r.Group(func(g chi.Router) {
			g.Use(RequireServiceToken(s.verifier))
			g.Get("/analytics/{instanceID}", s.handleAnalytics)
		})
	}

	s.Router = r
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	return s
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown stops accepting new connections and waits for in-flight
// requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

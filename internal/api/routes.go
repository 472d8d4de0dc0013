package api

import (
	"net/http"

	"aggregator/internal/aggregate"
	"aggregator/internal/health"
	"aggregator/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service         *aggregate.Service
	Metrics         *observability.Metrics
	Tracer          *observability.Tracer
	HealthChecker   *health.Checker
	Authorizer      Authorizer
	PrincipalHeader string
	APIKey          string

	// Objects serves stored objects under /objects/ when set.
	Objects http.Handler
	// Extra handlers mounted without auth, keyed by mux pattern.
	Extra map[string]http.Handler
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker, cfg.Authorizer, cfg.PrincipalHeader)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Materialized results are permanent public URLs - no auth
	if cfg.Objects != nil {
		mux.Handle("GET /objects/{key...}", cfg.Objects)
	}
	for pattern, h := range cfg.Extra {
		mux.Handle(pattern, h)
	}

	// API endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/records", authMiddleware(http.HandlerFunc(handler.CreateRecord)))
	mux.Handle("GET /v1/records/{recordId}", authMiddleware(http.HandlerFunc(handler.GetRecord)))
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs/{jobId}/status", authMiddleware(http.HandlerFunc(handler.JobStatus)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware(cfg.PrincipalHeader)(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	if cfg.Tracer != nil {
		h = TracingMiddleware(cfg.Tracer)(h)
	}
	h = RecoveryMiddleware()(h)

	return h
}

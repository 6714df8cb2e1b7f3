// Package httpapi exposes the customer ownership operations over HTTP.
package httpapi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/R3E-Network/crm_service/internal/app"
	"github.com/R3E-Network/crm_service/internal/app/auth"
	"github.com/R3E-Network/crm_service/internal/app/metrics"
	"github.com/R3E-Network/crm_service/internal/httputil"
	"github.com/R3E-Network/crm_service/internal/logging"
	"github.com/R3E-Network/crm_service/internal/middleware"
)

// IdempotencyHeader carries the client key of createCustomer.
const IdempotencyHeader = "Idempotency-Key"

// Config configures the HTTP surface.
type Config struct {
	PublicKey      *rsa.PublicKey
	Issuer         string
	RateLimitRPS   float64
	RateLimitBurst int
	AllowedOrigins []string
	// Ready reports whether backing stores are reachable. Nil is always ready.
	Ready func(ctx context.Context) error
	// Background, when set, bounds the rate limiter's idle-visitor cleanup.
	Background context.Context
}

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	log   *logging.Logger
	ready func(ctx context.Context) error
}

// NewHandler returns the full middleware chain around the API routes.
func NewHandler(application *app.Application, cfg Config, log *logging.Logger) http.Handler {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log, ready: cfg.Ready}

	var chain http.Handler = h.routes()
	if cfg.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log.Named("ratelimit"))
		if cfg.Background != nil {
			go limiter.RunCleanup(cfg.Background, time.Minute)
		}
		chain = limiter.Handler(chain)
	}
	chain = middleware.NewAuthMiddleware(cfg.PublicKey, cfg.Issuer, log.Named("auth"), []string{"/healthz", "/metrics"}).
		Reserve(auth.SystemActor).
		Handler(chain)
	chain = middleware.MetricsMiddleware()(chain)
	chain = middleware.LoggingMiddleware(log)(chain)
	if len(cfg.AllowedOrigins) > 0 {
		chain = middleware.NewCORSMiddleware(cfg.AllowedOrigins).Handler(chain)
	}
	return chain
}

func (h *handler) routes() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	c := r.PathPrefix("/customers").Subrouter()
	// fixed paths first so they do not match {id}
	c.HandleFunc("", h.createCustomer).Methods(http.MethodPost)
	c.HandleFunc("/my-customer-count", h.myCustomerCount).Methods(http.MethodGet)
	c.HandleFunc("/holdings", h.holdings).Methods(http.MethodGet)
	c.HandleFunc("/public-pool", h.listPool).Methods(http.MethodGet)
	c.HandleFunc("/public-pool/statistics", h.poolStatistics).Methods(http.MethodGet)
	c.HandleFunc("/public-pool/claim", h.claim).Methods(http.MethodPost)
	c.HandleFunc("/public-pool/assign", h.assignFromPool).Methods(http.MethodPost)
	c.HandleFunc("/public-pool/sweep", h.sweep).Methods(http.MethodPost)
	c.HandleFunc("/public-pool/sweep/preview", h.sweepPreview).Methods(http.MethodGet)
	c.HandleFunc("/batch-assign", h.batchAssign).Methods(http.MethodPost)
	c.HandleFunc("/batch-release-to-pool", h.batchRelease).Methods(http.MethodPost)

	c.HandleFunc("/{id}", h.getCustomer).Methods(http.MethodGet)
	c.HandleFunc("/{id}/assign", h.assign).Methods(http.MethodPatch)
	c.HandleFunc("/{id}/release-to-pool", h.release).Methods(http.MethodPost)
	c.HandleFunc("/{id}/assignment-logs", h.assignmentLogs).Methods(http.MethodGet)
	c.HandleFunc("/{id}/public-pool-logs", h.poolLogs).Methods(http.MethodGet)
	c.HandleFunc("/{id}/audit-check", h.auditCheck).Methods(http.MethodGet)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.WithContext(r.Context()).WithError(err).Warn("readiness check failed")
			httputil.WriteErrorResponse(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "dependencies unavailable", nil)
			return
		}
	}
	httputil.WriteSuccess(w, http.StatusOK, "ok", map[string]string{"status": "ok"})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httputil.WriteError(w, r, h.log, err)
}

func actorOf(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

func batchSummary(success, failed int) string {
	return fmt.Sprintf("成功 %d, 失败 %d", success, failed)
}

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"chainpay/address"
	"chainpay/audit"
	"chainpay/idempotency"
	"chainpay/payout"
	"chainpay/refund"
	"chainpay/settlement"
	"chainpay/storage"
	"chainpay/webhook"
)

// ChainReader is the node surface the HTTP layer needs, satisfied by
// *chain.Client.
type ChainReader interface {
	TokenBalance(ctx context.Context, holder common.Address) (decimal.Decimal, error)
}

// Deps carries the service graph the router exposes.
type Deps struct {
	Store      *storage.Store
	Addresses  *address.Manager
	Payouts    *payout.Engine
	Refunds    *refund.Engine
	Webhooks   *webhook.Dispatcher
	Settlement *settlement.Engine
	Exporter   *settlement.Exporter
	Chain      ChainReader
	Nonces     NonceStore
	Audit      *audit.Recorder
	JWTSecret  string
	JWTTTL     time.Duration
	APIKeySalt string
	Logger     *slog.Logger
}

// Server is the REST surface of the gateway.
type Server struct {
	store      *storage.Store
	addresses  *address.Manager
	payouts    *payout.Engine
	refunds    *refund.Engine
	webhooks   *webhook.Dispatcher
	settlement *settlement.Engine
	exporter   *settlement.Exporter
	chain      ChainReader
	apiAuth    *APIAuthenticator
	limiter    *Limiter
	guard      *idempotency.Guard
	audit      *audit.Recorder
	jwtSecret  string
	jwtTTL     time.Duration
	apiKeySalt string
	logger     *slog.Logger
	nowFn      func() time.Time
}

// ServerOption customizes a server.
type ServerOption func(*Server)

// WithClock overrides the server clock.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.nowFn = now }
}

// WithLimiter overrides the default rate limiter.
func WithLimiter(l *Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// NewServer wires the REST surface over the service graph.
func NewServer(d Deps, opts ...ServerOption) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jwtTTL := d.JWTTTL
	if jwtTTL <= 0 {
		jwtTTL = 24 * time.Hour
	}
	s := &Server{
		store:      d.Store,
		addresses:  d.Addresses,
		payouts:    d.Payouts,
		refunds:    d.Refunds,
		webhooks:   d.Webhooks,
		settlement: d.Settlement,
		exporter:   d.Exporter,
		chain:      d.Chain,
		apiAuth:    NewAPIAuthenticator(d.Store, d.Nonces),
		limiter:    NewLimiter(DefaultPerMinute, DefaultPerDay),
		audit:      d.Audit,
		jwtSecret:  d.JWTSecret,
		jwtTTL:     jwtTTL,
		apiKeySalt: d.APIKeySalt,
		logger:     logger,
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.apiAuth.nowFn = s.nowFn
	s.guard = idempotency.NewGuard(d.Store, MerchantFrom, logger,
		idempotency.WithClock(s.nowFn),
		idempotency.WithErrorWriter(func(w http.ResponseWriter, status int, code, message string) {
			writeError(w, status, code, message)
		}))
	return s
}

// Router assembles the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(s.limiter.Middleware)
			r.Use(s.guard.Middleware)

			r.Route("/addresses", func(r chi.Router) {
				r.Post("/", s.handleCreateAddress)
				r.Get("/", s.handleListAddresses)
				r.Get("/{id}", s.handleGetAddress)
				r.Get("/{address}/balance", s.handleAddressBalance)
			})
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", s.handleListTransactions)
				r.Get("/stats", s.handleTransactionStats)
				r.Get("/{id}", s.handleGetTransaction)
				r.With(s.requireAdmin).Patch("/{id}", s.handlePatchTransaction)
			})
			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", s.handleCreateWebhook)
				r.Get("/", s.handleListWebhooks)
				r.Get("/{id}", s.handleGetWebhook)
				r.Put("/{id}", s.handleUpdateWebhook)
				r.Delete("/{id}", s.handleDeleteWebhook)
				r.Post("/{id}/test", s.handleTestWebhook)
			})
			r.Route("/merchant", func(r chi.Router) {
				r.Get("/profile", s.handleGetProfile)
				r.Patch("/profile", s.handlePatchProfile)
			})
			r.Route("/payouts", func(r chi.Router) {
				r.Post("/", s.handleCreatePayout)
				r.Get("/", s.handleListPayouts)
				r.Get("/{id}", s.handleGetPayout)
			})
			r.Post("/refunds", s.handleCreateRefund)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Post("/payouts/pause", s.handlePausePayouts)
				r.Post("/payouts/resume", s.handleResumePayouts)
				r.Post("/settlements/run", s.handleRunSettlements)
				r.Post("/settlements/export", s.handleExportSettlements)
				r.Patch("/merchants/{id}", s.handlePatchMerchant)
			})
		})
	})
	return r
}

// Handler wraps the router with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "chainpay.gateway")
}

// IdempotencyGuard exposes the guard so the process can run its sweeper.
func (s *Server) IdempotencyGuard() *idempotency.Guard { return s.guard }

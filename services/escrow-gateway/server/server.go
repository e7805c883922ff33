package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"shopchain/core/runtime"
	"shopchain/core/state"
	"shopchain/core/types"
	"shopchain/crypto"
	gwmw "shopchain/gateway/middleware"
	"shopchain/observability"
	"shopchain/services/escrow-gateway/indexer"
	escrowmw "shopchain/services/escrow-gateway/middleware"
)

// maxRequestBody caps JSON payloads accepted by the gateway.
const maxRequestBody = 1 << 20

// Rate limit groups.
const (
	LimitDeals        = "deals"
	LimitTransactions = "transactions"
	LimitReads        = "reads"
)

// Ledger is the subset of the runtime the gateway drives.
type Ledger interface {
	Submit(ctx context.Context, tx *types.Transaction) (*runtime.Receipt, error)
	Account(id crypto.Identity) (*types.Account, error)
	Rent() state.Rent
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger     Ledger
	Index      *indexer.Indexer
	DB         *gorm.DB
	Logger     *slog.Logger
	RateLimits map[string]gwmw.RateLimit
	CORS       gwmw.CORSConfig
	Now        func() time.Time
}

// Server exposes deal lifecycle helpers, transaction submission and the
// deal index over HTTP.
type Server struct {
	ledger  Ledger
	index   *indexer.Indexer
	db      *gorm.DB
	logger  *slog.Logger
	limiter *gwmw.RateLimiter
	cors    gwmw.CORSConfig
	now     func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	srv := &Server{
		ledger:  cfg.Ledger,
		index:   cfg.Index,
		db:      cfg.DB,
		logger:  logger,
		limiter: gwmw.NewRateLimiter(cfg.RateLimits, logger),
		cors:    cfg.CORS,
		now:     now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped in otel instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "escrow-gateway")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(gwmw.CORS(s.cors))
	r.Use(s.observe)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(deals chi.Router) {
			deals.Use(s.limiter.Middleware(LimitDeals))
			deals.Post("/create-deal", s.CreateDeal)
			deals.Post("/fund-escrow", s.FundEscrow)
			deals.Post("/release-escrow", s.ReleaseEscrow)
		})
		api.Group(func(txs chi.Router) {
			txs.Use(s.limiter.Middleware(LimitTransactions))
			if s.db != nil {
				txs.Use(func(next http.Handler) http.Handler { return escrowmw.WithIdempotency(s.db, next) })
			}
			txs.Post("/transactions", s.SubmitTransaction)
		})
		api.Group(func(reads chi.Router) {
			reads.Use(s.limiter.Middleware(LimitReads))
			reads.Get("/deal/{address}", s.GetDeal)
			reads.Get("/deals", s.ListDeals)
			reads.Get("/accounts/{identity}", s.GetAccount)
		})
	})
	return r
}

// observe records request metrics and a debug log line per request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		observability.Gateway().Observe(route, status, elapsed)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package server exposes the bounty platform HTTP API. Routing and handlers
// stay thin; settlement correctness lives in the settlement package.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tipvault/chain"
	"tipvault/custody"
	"tipvault/evidence"
	"tipvault/ledger"
	"tipvault/settlement"
)

// SessionCookie is the cookie the browser session token travels in.
const SessionCookie = "session"

// Balancer is the payment network surface the wallet routes consume.
type Balancer interface {
	Balance(ctx context.Context, addr chain.Address) (uint64, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger         *ledger.Store
	Custody        *custody.Service
	Orchestrator   *settlement.Orchestrator
	Evidence       evidence.Store
	Network        Balancer
	Logger         *slog.Logger
	SessionTTL     time.Duration
	BalanceTimeout time.Duration
	RateLimits     map[string]RateLimit
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	ledger         *ledger.Store
	custody        *custody.Service
	orchestrator   *settlement.Orchestrator
	evidence       evidence.Store
	network        Balancer
	logger         *slog.Logger
	sessionTTL     time.Duration
	balanceTimeout time.Duration

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	balanceTimeout := cfg.BalanceTimeout
	if balanceTimeout <= 0 {
		balanceTimeout = 5 * time.Second
	}
	srv := &Server{
		ledger:         cfg.Ledger,
		custody:        cfg.Custody,
		orchestrator:   cfg.Orchestrator,
		evidence:       cfg.Evidence,
		network:        cfg.Network,
		logger:         logger,
		sessionTTL:     ttl,
		balanceTimeout: balanceTimeout,
	}
	srv.router = srv.buildRouter(cfg.RateLimits)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limits map[string]RateLimit) http.Handler {
	limiter := NewRateLimiter(limits, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(auth chi.Router) {
			auth.With(limiter.Middleware("auth")).Post("/signup", s.Signup)
			auth.With(limiter.Middleware("auth")).Post("/login", s.Login)
			auth.Post("/logout", s.Logout)
			auth.With(s.RequireSession).Get("/me", s.Me)
		})

		api.Route("/bounties", func(b chi.Router) {
			b.Get("/", s.ListBounties)
			b.With(s.RequireSession).Post("/", s.CreateBounty)
			b.With(s.RequireSession).Get("/my", s.MyBounties)
			b.Get("/{id}/tips", s.ListTips)
			b.With(s.RequireSession, limiter.Middleware("settle")).Post("/{id}/approve-tip", s.ApproveTip)
		})

		api.With(s.RequireSession).Post("/tips", s.SubmitTip)
		api.With(s.RequireSession).Post("/uploads", s.Upload)
		api.With(s.RequireSession).Get("/wallet/balance", s.WalletBalance)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

// Package api exposes the settlement service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"presale-settlement/internal/auth"
	"presale-settlement/internal/metrics"
	"presale-settlement/internal/sale"
	"presale-settlement/internal/service"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Service  *service.Service
	Verifier *auth.Verifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Server routes HTTP requests to the settlement service.
type Server struct {
	svc      *service.Service
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	validate *validator.Validate
	logger   zerolog.Logger

	router http.Handler
}

// New constructs the router.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("api: service not configured")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("api: token verifier not configured")
	}
	srv := &Server{
		svc:      cfg.Service,
		verifier: cfg.Verifier,
		metrics:  cfg.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger.With().Str("component", "api").Logger(),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(s.instrument("/v1/sale")).Get("/sale", s.getSale)
		v1.With(s.instrument("/v1/quote")).Get("/quote", s.getQuote)

		v1.Group(func(buyer chi.Router) {
			buyer.Use(s.authenticate)
			buyer.With(s.instrument("/v1/purchases")).Post("/purchases", s.postPurchase)
			buyer.With(s.instrument("/v1/approvals")).Post("/approvals", s.postApproval)
			buyer.With(s.instrument("/v1/balances")).Get("/balances/{asset}", s.getBalance)
		})

		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.authenticate)
			admin.With(s.instrument("/v1/admin/start")).Post("/start", s.postStart)
			admin.With(s.instrument("/v1/admin/config")).Put("/config", s.putConfig)
			admin.With(s.instrument("/v1/admin/withdraw")).Post("/withdraw", s.postWithdraw)
			admin.With(s.instrument("/v1/admin/withdraw-all")).Post("/withdraw-all", s.postWithdrawAll)
			admin.With(s.instrument("/v1/admin/burn-unsold")).Post("/burn-unsold", s.postBurnUnsold)
			admin.With(s.instrument("/v1/admin/mint")).Post("/mint", s.postMint)
		})
	})

	return r
}

func (s *Server) instrument(route string) func(http.Handler) http.Handler {
	if s.metrics == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.metrics.Middleware(route)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request served")
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := sale.CodeOf(err)
	if errors.Is(err, service.ErrBusy) {
		code = "Busy"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("code", code).Msg("request failed")
	}
	s.writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "BadRequest", Message: msg})
}

// statusFor maps an error classification to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, service.ErrBusy) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, sale.ErrReentrantCall) {
		return http.StatusTooManyRequests
	}
	switch sale.KindOf(err) {
	case sale.KindAuthorization:
		return http.StatusForbidden
	case sale.KindInvalidInput:
		return http.StatusBadRequest
	case sale.KindStage, sale.KindInventory, sale.KindState:
		return http.StatusConflict
	case sale.KindPayment:
		return http.StatusUnprocessableEntity
	case sale.KindOracle:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

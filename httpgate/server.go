// Package httpgate exposes the admission gate over HTTP.
package httpgate

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pixelforge/admitgate"
)

// Server is the HTTP front of the admission gate.
type Server struct {
	gate           *admitgate.Gate
	resolver       IdentityResolver
	log            zerolog.Logger
	metricsEnabled bool
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics enables the /metrics Prometheus endpoint.
func WithMetrics() Option {
	return func(s *Server) { s.metricsEnabled = true }
}

// New creates a Server. A nil resolver defaults to the header resolver.
func New(gate *admitgate.Gate, resolver IdentityResolver, opts ...Option) *Server {
	s := &Server{
		gate:     gate,
		resolver: resolver,
		log:      zerolog.Nop(),
	}
	if s.resolver == nil {
		s.resolver = &HeaderResolver{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/generate", s.handleGenerate)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// generateRequest is the POST /generate payload.
type generateRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// generateResponse is the success payload. Remaining values are -1 when the
// corresponding pool does not apply to the caller.
type generateResponse struct {
	ArtifactURL      string `json:"artifactUrl"`
	RemainingFree    int64  `json:"remainingFreeQuota"`
	RemainingBalance int64  `json:"remainingBalance"`
}

// errorResponse is the rejection/failure payload.
type errorResponse struct {
	Error     string `json:"error"`
	Shortfall int64  `json:"shortfall,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "InvalidRequest"})
		return
	}

	identity, err := s.resolver.Resolve(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "InvalidRequest"})
		return
	}

	result, err := s.gate.Generate(r.Context(), admitgate.Request{
		Operation: req.Operation,
		Identity:  identity,
		Params:    req.Params,
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		ArtifactURL:      result.ArtifactURL,
		RemainingFree:    result.RemainingFree,
		RemainingBalance: result.RemainingBalance,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	shortfall := admitgate.Shortfall(err)

	switch {
	case errors.Is(err, admitgate.ErrUnknownOperation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "UnknownOperation"})
	case errors.Is(err, admitgate.ErrBlocked):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Blocked"})
	case errors.Is(err, admitgate.ErrAccountRequired):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "AccountRequired"})
	case errors.Is(err, admitgate.ErrInsufficientFreeQuota):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "InsufficientFreeQuota", Shortfall: shortfall})
	case errors.Is(err, admitgate.ErrInsufficientBalance):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "InsufficientBalance", Shortfall: shortfall})
	case errors.Is(err, admitgate.ErrProviderFailure), errors.Is(err, admitgate.ErrAmbiguousOutcome):
		// Rollback already happened inside the gate.
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "ProviderFailure"})
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("generate failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

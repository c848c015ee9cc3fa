// Package httpapi exposes the administrative trigger surface and the
// subscription opt-in endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ProposalWatcher/internal/config"
	"ProposalWatcher/internal/domain"
	"ProposalWatcher/internal/infrastructure/fallback"
	"ProposalWatcher/internal/jobs"
	"ProposalWatcher/internal/ports"
)

const maxBodyBytes = 64 << 10

// JobRunner runs named invocations.
type JobRunner interface {
	Resolve(name string) (jobs.Job, error)
	Run(ctx context.Context, name string, req jobs.Request) (domain.RunResult, error)
}

// Resender repeats delivery of one proposal.
type Resender interface {
	Resend(ctx context.Context, proposalID int64, endpoint string) (domain.RunResult, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server's collaborators. Health and Metrics are optional.
type Deps struct {
	Jobs          JobRunner
	Subscriptions ports.SubscriptionStore
	Resender      Resender
	Health        Pinger
	Metrics       http.Handler
	Logger        *slog.Logger
}

// Server serves the admin and subscription endpoints.
type Server struct {
	token         string
	jobs          JobRunner
	subscriptions ports.SubscriptionStore
	resender      Resender
	health        Pinger
	logger        *slog.Logger
	handler       http.Handler
	httpServer    *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg config.AdminConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		token:         cfg.Token,
		jobs:          deps.Jobs,
		subscriptions: deps.Subscriptions,
		resender:      deps.Resender,
		health:        deps.Health,
		logger:        deps.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	mux.HandleFunc("POST /api/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/subscriptions", s.handleUnsubscribe)
	mux.Handle("POST /api/jobs/{name}", s.requireToken(http.HandlerFunc(s.handleRunJob)))
	mux.Handle("POST /api/notifications/resend", s.requireToken(http.HandlerFunc(s.handleResend)))

	s.handler = withLogging(deps.Logger, mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.jobs.Resolve(name); err != nil {
		writeError(w, http.StatusNotFound, "UnknownJob", err.Error())
		return
	}

	req, err := parseJobRequest(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	res, err := s.jobs.Run(r.Context(), name, req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ports.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ports.ErrUnauthorized), errors.Is(err, ports.ErrRateLimited):
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]any{
			"error":   "JobFailed",
			"message": err.Error(),
			"result":  res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parseJobRequest(q url.Values) (jobs.Request, error) {
	var req jobs.Request
	if v := q.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("force must be a boolean")
		}
		req.Force = force
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			return req, errors.New("limit must be between 1 and 500")
		}
		req.Limit = limit
	}
	if v := q.Get("proposal"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return req, errors.New("proposal must be a positive id")
		}
		req.ProposalID = id
	}
	return req, nil
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	Fallback string `json:"fallback"`
	Topics   []int  `json:"topics"`
}

func (req subscriptionRequest) validate() error {
	if err := validEndpoint(req.Endpoint); err != nil {
		return err
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return errors.New("keys.p256dh and keys.auth are required")
	}
	if req.Fallback != "" && !fallback.ValidAddress(req.Fallback) {
		return errors.New("fallback must be an e-mail address or telegram:<chat id>")
	}
	for _, t := range req.Topics {
		if t <= 0 {
			return errors.New("topics must be positive")
		}
	}
	return nil
}

func validEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return errors.New("endpoint must be an https URL")
	}
	return nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	err := s.subscriptions.UpsertSubscription(r.Context(), domain.Subscription{
		Endpoint:        req.Endpoint,
		P256dh:          req.Keys.P256dh,
		Auth:            req.Keys.Auth,
		FallbackAddress: req.Fallback,
		Topics:          req.Topics,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("upsert subscription failed", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to store subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "subscribed", "topics": req.Topics})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := validEndpoint(req.Endpoint); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if err := s.subscriptions.DeleteSubscription(r.Context(), req.Endpoint); err != nil {
		s.logger.Error("delete subscription failed", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProposalID int64  `json:"proposalId"`
		Endpoint   string `json:"endpoint"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.ProposalID <= 0 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "proposalId is required")
		return
	}

	res, err := s.resender.Resend(r.Context(), req.ProposalID, req.Endpoint)
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("resend failed", "proposal_id", req.ProposalID, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "resend failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

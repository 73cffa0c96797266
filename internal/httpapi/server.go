// Package httpapi serves the ops endpoints: health, metrics, config reload,
// on-demand digests and test notifications.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/digest"
	"github.com/mikey/mail-triage/internal/router"
	"github.com/mikey/mail-triage/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Reloader re-reads the configuration
type Reloader interface {
	Reload() error
}

// DigestRunner runs the digest of the most recently closed window
type DigestRunner interface {
	RunClosed(ctx context.Context, kind digest.Kind, backfill bool) (*scheduler.DigestResult, error)
}

// TestNotifier sends a synthetic notification on one channel
type TestNotifier interface {
	SendTest(ctx context.Context, channel string) router.Outcome
}

// Server holds dependencies for the HTTP handlers.
type Server struct {
	logger   *zap.Logger
	reloader Reloader
	digests  DigestRunner
	notifier TestNotifier
	gatherer prometheus.Gatherer
}

// New creates a new ops server. digests may be nil, in which case the
// digest endpoint answers 503.
func New(logger *zap.Logger, reloader Reloader, digests DigestRunner, notifier TestNotifier, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		logger:   logger,
		reloader: reloader,
		digests:  digests,
		notifier: notifier,
		gatherer: gatherer,
	}
}

// Handler returns the chi router with every route registered
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes attaches the ops endpoints to the router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Post("/reload", s.handleReload)
	r.Post("/digest/{kind}", s.handleDigest)
	r.Post("/test/{channel}", s.handleTest)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Ops HTTP server listening", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Ops HTTP server shutdown failed", zap.Error(err))
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "reload not available")
		return
	}
	if err := s.reloader.Reload(); err != nil {
		s.logger.Warn("Reload request rejected", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrConfigInvalid) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

type digestResponse struct {
	Kind        string    `json:"kind"`
	PeriodStart time.Time `json:"period_start"`
	Total       int       `json:"total"`
	Backfilled  int       `json:"backfilled"`
	Sent        int       `json:"sent"`
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if s.digests == nil {
		writeError(w, http.StatusServiceUnavailable, "digest service not running")
		return
	}
	kind, err := digest.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	backfill, _ := strconv.ParseBool(r.URL.Query().Get("backfill"))

	res, err := s.digests.RunClosed(r.Context(), kind, backfill)
	if err != nil {
		s.logger.Error("On-demand digest failed", zap.String("kind", string(kind)), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := digestResponse{
		Kind:        string(res.Kind),
		PeriodStart: res.PeriodStart,
		Backfilled:  res.Backfilled,
		Sent:        router.Sent(res.Outcomes),
	}
	if res.Report != nil {
		resp.Total = res.Report.Total
	}
	writeJSON(w, http.StatusOK, resp)
}

type testResponse struct {
	Channel           string `json:"channel"`
	Status            string `json:"status"`
	Attempts          int    `json:"attempts"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "router not available")
		return
	}
	o := s.notifier.SendTest(r.Context(), chi.URLParam(r, "channel"))

	resp := testResponse{Channel: o.Channel, Status: string(o.Status), Attempts: o.Attempts}
	if o.Result != nil {
		resp.ProviderMessageID = o.Result.ProviderMessageID
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}

	status := http.StatusOK
	switch o.Status {
	case router.StatusSent:
	case router.StatusNoTransport:
		status = http.StatusNotFound
	default:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package api exposes the orchestrator's HTTP/JSON control surface: process
// submission and lifecycle, lab configuration, simulation control, status
// queries and a streaming event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/plateworks/conductor/pkg/config"
	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/executor"
	"github.com/plateworks/conductor/pkg/log"
	"github.com/plateworks/conductor/pkg/metrics"
	"github.com/plateworks/conductor/pkg/types"
)

// Server serves the control API for one executor.
type Server struct {
	exec   *executor.Executor
	broker *events.Broker
	logger zerolog.Logger
	srv    *http.Server
}

func NewServer(exec *executor.Executor, broker *events.Broker) *Server {
	return &Server{
		exec:   exec,
		broker: broker,
		logger: log.WithComponent("api"),
	}
}

// Router builds the route tree. Exposed so tests and embedders can mount it
// without binding a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/processes", s.handleSubmit)
		r.Post("/processes/start", s.handleStart)
		r.Post("/processes/pause", s.handlePause)
		r.Post("/processes/resume", s.handleResume)
		r.Post("/processes/cancel", s.handleCancel)
		r.Get("/processes/{id}", s.handleProcess)
		r.Post("/simulation", s.handleSimulation)
		r.Get("/status", s.handleStatus)
		r.Put("/lab", s.handleConfigureLab)
		r.Delete("/lab", s.handleWipeLab)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("api shutdown")
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		metrics.APIRequests.WithLabelValues(r.Method, pattern, fmt.Sprintf("%d", ww.Status())).Inc()
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("elapsed", time.Since(start)).Msg("request")
	})
}

type submitRequest struct {
	Source       string `json:"source"`
	DelaySeconds int    `json:"delay_seconds"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		respondErr(w, errors.New("source is required"), http.StatusBadRequest)
		return
	}
	id, err := s.exec.Submit([]byte(req.Source), time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		// Submission failures are almost always malformed sources or labware
		// that contradicts the lab state.
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		respondErr(w, err, code)
		return
	}
	respond(w, http.StatusCreated, map[string]string{"process_id": id})
}

type idsRequest struct {
	ProcessIDs []string `json:"process_ids"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.ProcessIDs) == 0 {
		respondErr(w, errors.New("process_ids is required"), http.StatusBadRequest)
		return
	}
	if err := s.exec.StartProcesses(req.ProcessIDs); err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "started"})
}

type idRequest struct {
	// ProcessID may be empty for pause/resume, meaning the whole lab.
	ProcessID string `json:"process_id"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.idAction(w, r, s.exec.Pause, "paused", true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.idAction(w, r, s.exec.Resume, "resumed", true)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.idAction(w, r, s.exec.Cancel, "cancelled", false)
}

func (s *Server) idAction(w http.ResponseWriter, r *http.Request, fn func(string) error, done string, allowEmpty bool) {
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if req.ProcessID == "" && !allowEmpty {
		respondErr(w, errors.New("process_id is required"), http.StatusBadRequest)
		return
	}
	if err := fn(req.ProcessID); err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": done})
}

type simulationRequest struct {
	Enabled bool    `json:"enabled"`
	Speed   float64 `json:"speed"`
}

func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	var req simulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if err := s.exec.SetSimulation(req.Enabled, req.Speed); err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, req)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.exec.Status()
	if err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, st)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	st, err := s.exec.ProcessStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, st)
}

// handleConfigureLab accepts the lab document as YAML and swaps the catalogue.
func (s *Server) handleConfigureLab(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		respondErr(w, err, http.StatusBadRequest)
		return
	}
	lab, err := config.Parse(body)
	if err != nil {
		respondErr(w, err, http.StatusBadRequest)
		return
	}
	if err := s.exec.ConfigureLab(lab.Description, lab.Devices); err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, map[string]int{"devices": len(lab.Devices)})
}

func (s *Server) handleWipeLab(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.WipeLab(); err != nil {
		respondErr(w, err, statusFor(err))
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "wiped"})
}

// handleEvents streams broker events as newline-delimited JSON until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondErr(w, errors.New("streaming unsupported"), http.StatusInternalServerError)
		return
	}
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case ev, open := <-sub:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondErr(w http.ResponseWriter, err error, code int) {
	respond(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP codes: unknown ids are 404, invariant
// rejections and malformed input 400, a stopped executor 503.
func statusFor(err error) int {
	var cfgErr *types.ConfigError
	switch {
	case errors.Is(err, types.ErrUnknownProcess):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrStopped):
		return http.StatusServiceUnavailable
	case types.IsStateConflict(err), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrDeviceFull), errors.Is(err, types.ErrUnknownDevice):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

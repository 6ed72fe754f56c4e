// internal/server/server.go
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sightglass-sh/sightglass/api/schemas"
	"github.com/sightglass-sh/sightglass/internal/arbiter"
	"github.com/sightglass-sh/sightglass/internal/broadcast"
	"github.com/sightglass-sh/sightglass/internal/config"
	"github.com/sightglass-sh/sightglass/internal/display"
	"github.com/sightglass-sh/sightglass/internal/state"
)

const defaultHistoryLimit = 50

var httpJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the HTTP and WebSocket edge: REST endpoints for control and
// inspection, plus the observer socket for the live stream.
type Server struct {
	cfg     config.Config
	version string
	shared  *state.Shared
	hub     *broadcast.Hub
	arbiter *arbiter.Arbiter
	driver  display.Driver
	logger  *zap.Logger

	httpServer *http.Server
}

// New wires the edge over the already-constructed core components. version
// is whatever the build stamped into the binary; the status endpoint reports
// it verbatim.
func New(cfg config.Config, version string, shared *state.Shared, hub *broadcast.Hub, arb *arbiter.Arbiter, driver display.Driver, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		version: version,
		shared:  shared,
		hub:     hub,
		arbiter: arb,
		driver:  driver,
		logger:  logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route table. Exposed separately so tests can drive
// the handlers without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/status", s.handleAPIStatus)
	r.Get("/state", s.handleState)
	r.Get("/screenshot", s.handleScreenshot)
	r.Get("/history", s.handleHistory)
	r.Post("/history/clear", s.handleHistoryClear)
	r.Post("/goto", s.handleGoto)
	r.Post("/ai/start", s.handleAgentStart)
	r.Post("/ai/stop", s.handleAgentStop)
	r.Get("/ws/screen", s.handleObserverSocket)

	return r
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening.", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down.")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := httpJSON.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("Failed to write response.", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	st := s.shared.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "running",
		"version":      s.version,
		"mode":         st.Mode,
		"ai_running":   st.AgentRunning,
		"current_task": st.Task,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.shared.Status()
	if url, err := s.driver.CurrentURL(r.Context()); err == nil {
		st.CurrentURL = url
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleScreenshot returns a fresh frame, falling back to the cache when the
// renderer will not produce one.
func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.driver.Capture(r.Context())
	if err != nil {
		frame = s.shared.LastFrame()
		if frame == nil {
			s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no frame available: %w", err))
			return
		}
	} else {
		s.shared.SetFrame(frame)
	}

	url, _ := s.driver.CurrentURL(r.Context())
	ev := schemas.NewFrameEvent(encodeFrame(frame), s.cfg.Display.Width, s.cfg.Display.Height, url, s.shared.Mode())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"image":  ev.Image,
		"width":  ev.Width,
		"height": ev.Height,
		"url":    ev.URL,
		"mode":   ev.Mode,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	entries := s.shared.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	cleared := s.shared.ClearHistory()
	s.logger.Info("History cleared.", zap.Int("entries", cleared))
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": cleared})
}

func (s *Server) handleGoto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := httpJSON.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("a url is required"))
		return
	}

	if err := s.arbiter.NavigateHuman(r.Context(), req.URL); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	url := req.URL
	if current, err := s.driver.CurrentURL(r.Context()); err == nil {
		url = current
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "url": url})
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task string `json:"task"`
	}
	if err := httpJSON.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("a task is required"))
		return
	}

	if err := s.arbiter.StartAgent(req.Task); err != nil {
		if errors.Is(err, state.ErrAgentAlreadyRunning) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "started", "task": req.Task})
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	wasRunning := s.arbiter.StopAgent()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "was_running": wasRunning})
}

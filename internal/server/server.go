// Package server exposes the task scheduler over an HTTP API with a
// server-sent events stream per task.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sevir/capataz/internal/agent"
	"github.com/sevir/capataz/internal/logging"
	"github.com/sevir/capataz/internal/persona"
	"github.com/sevir/capataz/internal/scheduler"
	"github.com/sevir/capataz/internal/store"
	"github.com/sevir/capataz/pkg/models"
)

// TaskScheduler is the part of the scheduler the API drives.
type TaskScheduler interface {
	Submit(taskID string, cfg models.TaskConfig, cb agent.Callbacks) (*scheduler.Handle, error)
	Cancel(taskID string) error
	Interrupt(taskID string) error
	SendInput(taskID, text string) error
	Get(taskID string) (scheduler.TaskInfo, bool)
	Stats() scheduler.Stats
}

// Config holds server configuration.
type Config struct {
	Addr      string
	Scheduler TaskScheduler
	Store     *store.MemoryStore
	Personas  *persona.Library
	// LogDir is where the adapters write raw per-task output.
	LogDir  string
	Version string
	Commit  string
	Logger  *logging.Logger
}

// Server is the HTTP control API.
type Server struct {
	scheduler  TaskScheduler
	store      *store.MemoryStore
	personas   *persona.Library
	logDir     string
	version    string
	commit     string
	log        *logging.Logger
	httpServer *http.Server
}

// New creates a new server.
func New(cfg Config) *Server {
	s := &Server{
		scheduler: cfg.Scheduler,
		store:     cfg.Store,
		personas:  cfg.Personas,
		logDir:    cfg.LogDir,
		version:   cfg.Version,
		commit:    cfg.Commit,
		log:       cfg.Logger,
	}
	if s.store == nil {
		s.store = store.NewMemoryStore(0, 0)
	}
	if s.personas == nil {
		s.personas, _ = persona.Load("")
	}
	if s.log == nil {
		s.log = logging.Component("server")
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.corsMiddleware(s.newGinEngine()),
		ReadTimeout: 30 * time.Second,
		// No write timeout: event streams stay open.
		WriteTimeout: 0,
	}
	return s
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Infof("HTTP API listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and closes open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.store.Close()
	return s.httpServer.Shutdown(ctx)
}

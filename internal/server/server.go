package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/generate"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/printer"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/internal/web"
)

// Dependencies are the long-lived components the server fronts.
type Dependencies struct {
	Recorder *recorder.Recorder
	Engine   *replay.Engine
	// Hub is optional; without it the admin API has no event stream.
	Hub *web.Hub
	// Printer is optional; nil keeps the console quiet.
	Printer printer.Printer
}

// Server HTTP server
type Server struct {
	config  *config.Config
	logger  logger.Logger
	deps    Dependencies
	handler *Handler
	web     *web.Service
	httpSrv *http.Server
	procWG  sync.WaitGroup

	closeOnce sync.Once
}

// New creates a new server instance
func New(cfg *config.Config, log logger.Logger, deps Dependencies) *Server {
	var webService *web.Service
	if cfg.Web.Enable {
		webService = web.NewService(&cfg.Web, log, web.Dependencies{
			Recorder: deps.Recorder,
			Engine:   deps.Engine,
			Hub:      deps.Hub,
			Generate: generate.OptionsFromConfig(&cfg.Generate, cfg.Recorder.RedactionToken),
		})
	}

	return &Server{
		config:  cfg,
		logger:  log,
		deps:    deps,
		handler: NewHandler(RulesFromConfig(cfg.Server.Responses), log),
		web:     webService,
	}
}

// Router builds the request router: admin routes first, then the captured
// host surface for everything else.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	if s.web != nil {
		s.web.RegisterRoutes(router)
	}

	var out printer.Printer
	if !s.config.Output.Silence {
		out = s.deps.Printer
	}
	capture := CaptureMiddleware(s.deps.Recorder, CaptureOptions{
		MaxBodyBytes: s.config.Server.MaxBodyBytes,
		Printer:      out,
		Logger:       s.logger,
		WaitGroup:    &s.procWG,
	})
	router.PathPrefix("/").Handler(s.scoped(capture(s.handler)))
	return router
}

// scoped answers 404 outside the configured server path.
func (s *Server) scoped(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.shouldHandlePath(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) shouldHandlePath(path string) bool {
	prefix := s.config.Server.Path
	if prefix == "" || prefix == "/" {
		return true
	}
	return strings.HasPrefix(path, prefix)
}

// Start starts the server and blocks until SIGINT or SIGTERM.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		"addr", s.httpSrv.Addr,
		"path", s.config.Server.Path,
		"recording", s.deps.Recorder.Enabled(),
	)
	if s.web != nil {
		s.logger.Info("Admin API enabled", "path", s.web.AdminPath())
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return s.waitForShutdown(errCh)
}

// waitForShutdown waits for shutdown signal
func (s *Server) waitForShutdown(errCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		s.release()
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}
	s.logger.Info("Shutting down server...")

	if err := s.Stop(); err != nil {
		s.logger.Error("Server forced to shutdown", "error", err)
	}
	s.logger.Info("Server exited")
	return nil
}

// Stop shuts the HTTP server down, drains in-progress captures and
// releases the recorder, replay engine and event hub.
func (s *Server) Stop() error {
	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(ctx)
	}
	s.procWG.Wait()
	s.release()
	return err
}

func (s *Server) release() {
	s.closeOnce.Do(func() {
		if s.deps.Hub != nil {
			s.deps.Hub.Close()
		}
		if s.deps.Engine != nil {
			s.deps.Engine.Close()
		}
		if s.deps.Recorder != nil {
			if err := s.deps.Recorder.Close(); err != nil {
				s.logger.Error("Failed to close recorder storage", "error", err)
			}
		}
	})
}

// Package server runs the process's set of long-lived components
// (certificate scheduler, xDS transport, HTTP-01 responder) as Daemons
// under one signal-driven lifecycle. It is adapted from the teacher
// repo's server.go, which ran an *http.Server plus daemons; this control
// plane has no outward HTTP server of its own (the xDS transport and the
// HTTP-01 responder are themselves Daemons), so the run loop here
// manages only the Daemon set, with SIGHUP driving a config reload
// instead of being merely logged.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Daemon defines the contract for background components managed by the
// server's lifecycle (Start/Stop).
type Daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

// ReloadFunc re-reads configuration on SIGHUP. It returns an error if the
// reload failed, in which case the previous configuration remains active.
type ReloadFunc func() error

// Server sequences startup/shutdown of its registered daemons and owns
// the process's signal handling.
type Server struct {
	logger          *slog.Logger
	daemons         []Daemon
	reload          ReloadFunc
	shutdownTimeout time.Duration
}

// NewServer constructs a Server. shutdownTimeout bounds how long Run waits
// for daemons to stop gracefully before giving up (§5's bounded drain
// interval).
func NewServer(logger *slog.Logger, reload ReloadFunc, shutdownTimeout time.Duration) *Server {
	return &Server{
		logger:          logger,
		reload:          reload,
		shutdownTimeout: shutdownTimeout,
	}
}

// AddDaemon registers a daemon whose lifecycle Run will manage.
func (s *Server) AddDaemon(daemon Daemon) {
	if daemon == nil {
		s.logger.Warn("attempted to add a nil daemon")
		return
	}
	s.daemons = append(s.daemons, daemon)
}

// Run starts every registered daemon in order, then blocks handling
// signals until SIGINT/SIGTERM/SIGQUIT or a daemon failure, at which point it
// stops every daemon concurrently and returns. The return value is the
// process exit code to use (0 normal shutdown, 1 unexpected runtime
// error), per §6.
func (s *Server) Run() int {
	daemonError := make(chan error, 1)

	s.logger.Info("starting daemons")
	for _, daemon := range s.daemons {
		if err := daemon.Start(); err != nil {
			s.logger.Error("daemon failed to start", "daemon_name", daemon.Name(), "error", err)
			daemonError <- fmt.Errorf("daemon %q failed to start: %w", daemon.Name(), err)
			break
		}
		s.logger.Info("daemon started", "daemon_name", daemon.Name())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer func() {
		signal.Stop(sigChan)
		close(sigChan)
	}()

	exitCode := 0
	running := true
	for running {
		select {
		case sig, ok := <-sigChan:
			if !ok {
				running = false
				break
			}
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT:
				s.logger.Info("received termination signal, shutting down", "signal", sig)
				running = false
			case syscall.SIGHUP:
				s.handleSIGHUP()
			}
		case err := <-daemonError:
			s.logger.Error("daemon error, shutting down", "error", err)
			exitCode = 1
			running = false
		}
	}

	gracefulCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	shutdownGroup, _ := errgroup.WithContext(gracefulCtx)
	for _, d := range s.daemons {
		daemon := d
		shutdownGroup.Go(func() error {
			s.logger.Info("stopping daemon", "daemon_name", daemon.Name())
			if err := daemon.Stop(gracefulCtx); err != nil {
				s.logger.Error("daemon stop error", "daemon_name", daemon.Name(), "error", err)
				return err
			}
			return nil
		})
	}

	if err := shutdownGroup.Wait(); err != nil {
		s.logger.Error("error during shutdown", "error", err)
		return 1
	}

	s.logger.Info("all daemons stopped gracefully")
	return exitCode
}

func (s *Server) handleSIGHUP() {
	s.logger.Info("received SIGHUP, reloading configuration")
	if s.reload == nil {
		return
	}
	if err := s.reload(); err != nil {
		s.logger.Error("configuration reload failed, keeping previous configuration", "error", err)
		return
	}
	s.logger.Info("configuration reloaded")
}

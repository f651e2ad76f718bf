// Package transport hosts the gRPC server that exposes LDS/CDS/SDS on a
// Unix domain socket (§4.7). Its Daemon-based lifecycle — Name/Start/Stop
// registered with the process's signal-handling shutdown loop — is
// adapted directly from the teacher repo's server/server.go, which ran an
// *http.Server the same way; here the listener is a Unix socket serving
// gRPC instead of TCP serving HTTP.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
)

// RegisterFunc attaches services to a freshly constructed *grpc.Server.
type RegisterFunc func(*grpc.Server)

// Server is a Daemon (per the teacher's interface: Name/Start/Stop) that
// serves gRPC over a Unix domain socket.
type Server struct {
	socketPath string
	socketMode os.FileMode
	register   RegisterFunc
	logger     *slog.Logger

	grpcServer *grpc.Server
	listener   net.Listener
	serveErr   chan error
}

// New constructs a transport Server bound to socketPath with socketMode
// permissions. register is called once with the constructed *grpc.Server
// so callers can attach the xDS services.
func New(socketPath string, socketMode os.FileMode, register RegisterFunc, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		socketMode: socketMode,
		register:   register,
		logger:     logger,
		serveErr:   make(chan error, 1),
	}
}

func (s *Server) Name() string { return "xds-transport" }

// Start binds the Unix socket (unlinking a stale one if present, per
// §4.7), registers services, and begins accepting connections in the
// background. A pre-existing path that is not a socket fails startup.
func (s *Server) Start() error {
	if err := prepareSocketPath(s.socketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("transport: failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		listener.Close()
		return fmt.Errorf("transport: failed to chmod %s: %w", s.socketPath, err)
	}
	s.listener = listener

	s.grpcServer = grpc.NewServer()
	s.register(s.grpcServer)

	go func() {
		s.serveErr <- s.grpcServer.Serve(listener)
	}()

	if s.logger != nil {
		s.logger.Info("xds transport listening", "socket", s.socketPath, "mode", s.socketMode)
	}
	return nil
}

// ListenOnFD adopts an already-bound listener (socket-activation, §4.7),
// leaving socket mode bits untouched, and starts serving on it.
func (s *Server) ListenOnFD(listener net.Listener) error {
	s.listener = listener
	s.grpcServer = grpc.NewServer()
	s.register(s.grpcServer)

	go func() {
		s.serveErr <- s.grpcServer.Serve(listener)
	}()

	if s.logger != nil {
		s.logger.Info("xds transport listening on inherited fd")
	}
	return nil
}

// Stop drains existing streams for up to ctx's deadline, then force-closes
// the server (§5: bounded drain interval on shutdown).
func (s *Server) Stop(ctx context.Context) error {
	if s.grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

// prepareSocketPath unlinks a stale socket at path, failing if path exists
// and is not a socket (§4.7).
func prepareSocketPath(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transport: failed to stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("transport: %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("transport: failed to unlink stale socket %s: %w", path, err)
	}
	return nil
}

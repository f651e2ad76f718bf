// Package httpchallenge serves the HTTP-01 well-known path (§4.7, §6) on
// an in-process loopback endpoint that the synthetic __acme_http01
// cluster points to. Routing is built with julienschmidt/httprouter, the
// same router the teacher repo uses for its own HTTP surface.
package httpchallenge

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/caasmo/acmexds/broker"
)

const wellKnownPath = "/.well-known/acme-challenge/:token"

// Handler serves GET /.well-known/acme-challenge/{token}, answering 200
// with the key authorization on a broker hit and 404 on a miss (§6).
type Handler struct {
	broker *broker.Broker
	logger *slog.Logger
}

// New builds an http.Handler backed by broker.
func New(b *broker.Broker, logger *slog.Logger) http.Handler {
	h := &Handler{broker: b, logger: logger}

	router := httprouter.New()
	router.GET(wellKnownPath, h.serveChallenge)
	return router
}

func (h *Handler) serveChallenge(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	token := ps.ByName("token")

	ka, ok := h.broker.Lookup(token)
	if !ok {
		if h.logger != nil {
			h.logger.Debug("http-01 challenge miss", "token", token)
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ka))
}

// Server is a Daemon wrapping Handler on a loopback listener, following
// the same Name/Start/Stop lifecycle as transport.Server.
type Server struct {
	addr     string
	handler  http.Handler
	logger   *slog.Logger
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer constructs a loopback HTTP-01 responder bound to addr (e.g.
// "127.0.0.1:0" to let the OS pick a free port).
func NewServer(addr string, b *broker.Broker, logger *slog.Logger) *Server {
	return &Server{addr: addr, handler: New(b, logger), logger: logger}
}

func (s *Server) Name() string { return "http01-responder" }

// Addr returns the bound address, valid only after Start succeeds. Useful
// when addr was ":0" and the OS assigned the port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.handler}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("http-01 responder stopped unexpectedly", "error", err)
			}
		}
	}()

	if s.logger != nil {
		s.logger.Info("http-01 responder listening", "addr", s.Addr())
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

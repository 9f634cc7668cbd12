package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"

	"github.com/isometry/icf-remote/internal/logging"
	"github.com/isometry/icf-remote/internal/transport"
	"github.com/isometry/icf-remote/internal/wire"
)

// Server accepts authenticated WebSocket connections and runs one Processor
// per client session. Every connection a client group opens carries the same
// session id and shares that session's processor.
type Server struct {
	logCtx   context.Context
	config   *Config
	registry *Registry
	acceptor *transport.Acceptor
	codec    *wire.Codec

	mu       sync.Mutex
	sessions map[string]*Processor
	http     *http.Server
	closed   bool
}

// New creates a server executing requests against registry. ctx is used for
// logging.
func New(ctx context.Context, config *Config, registry *Registry) (*Server, error) {
	config, err := applyDefaults(config)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	acceptor, err := transport.NewAcceptor(&config.Transport)
	if err != nil {
		return nil, fmt.Errorf("invalid transport configuration: %w", err)
	}

	codec, err := wire.NewCodec(config.compressThreshold(), config.Transport.MaxMessageSize)
	if err != nil {
		return nil, err
	}

	return &Server{
		logCtx:   ctx,
		config:   config,
		registry: registry,
		acceptor: acceptor,
		codec:    codec,
		sessions: make(map[string]*Processor),
	}, nil
}

// Handler returns the HTTP handler serving the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	return mux
}

// ServeHTTP upgrades one connection and attaches it to its session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, claims, err := s.acceptor.Accept(s.logCtx, w, r)
	if err != nil {
		logging.LogConnectionEvent(s.logCtx, logging.SubsystemServer, "authentication_failed", map[string]any{
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		return
	}

	p := s.attach(claims.SessionID, conn)
	if p == nil {
		_ = conn.Close()
		return
	}
	conn.Start(p)

	logging.LogConnectionEvent(s.logCtx, logging.SubsystemServer, "connection_accepted", map[string]any{
		"connection_id": conn.ID(),
		"session_id":    claims.SessionID,
		"subject":       claims.Subject,
		"remote_addr":   r.RemoteAddr,
	})
}

// attach finds or creates the session's processor and registers conn with it.
func (s *Server) attach(sessionID string, conn *transport.Conn) *Processor {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	p, ok := s.sessions[sessionID]
	if !ok {
		p = newProcessor(s.logCtx, sessionID, s.registry, s.codec, s.config)
		p.onIdle = func() { s.release(sessionID, p) }
		s.sessions[sessionID] = p

		tflog.SubsystemDebug(s.logCtx, logging.SubsystemServer, "Session opened", map[string]any{
			"session_id": sessionID,
		})
	}

	if !p.Attach(conn) {
		return nil
	}
	return p
}

// release drops a session whose last connection closed, unless a new
// connection joined it in the meantime.
func (s *Server) release(sessionID string, p *Processor) {
	s.mu.Lock()
	if s.sessions[sessionID] != p || p.connCount() > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	go p.Close()
}

// SessionCount returns the number of sessions with a live connection.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session returns the processor of an open session.
func (s *Server) Session(sessionID string) (*Processor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[sessionID]
	return p, ok
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	tflog.SubsystemInfo(s.logCtx, logging.SubsystemServer, "Connector server listening", map[string]any{
		"address":    ln.Addr().String(),
		"path":       s.config.Path,
		"connectors": len(s.registry.Keys()),
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops accepting connections, cancels running requests, closes every
// session and disposes the cached connectors.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.http
	sessions := make([]*Processor, 0, len(s.sessions))
	for _, p := range s.sessions {
		sessions = append(sessions, p)
	}
	s.sessions = make(map[string]*Processor)
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	// Hijacked sockets are not closed by http.Server.Shutdown.
	for _, p := range sessions {
		p.Close()
	}
	s.registry.Close()
	s.codec.Close()

	tflog.SubsystemInfo(s.logCtx, logging.SubsystemServer, "Connector server stopped", map[string]any{
		"sessions": len(sessions),
	})
	return err
}

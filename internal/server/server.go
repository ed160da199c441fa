// Package server accepts connections and runs the per-connection protocol
// state machine against the auth and chat services.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/registry"
)

// Server owns the TCP listener and hands each accepted socket to a handler
// goroutine under a fresh monotonic client id.
type Server struct {
	addr     string
	registry *registry.Registry
	auth     *auth.Service
	chat     *chat.Service

	nextID atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[int64]net.Conn
	closed   bool

	wg sync.WaitGroup
}

// New creates a server bound to host:port once Start is called.
func New(host string, port int, reg *registry.Registry, authSvc *auth.Service, chatSvc *chat.Service) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		registry: reg,
		auth:     authSvc,
		chat:     chatSvc,
		conns:    make(map[int64]net.Conn),
	}
}

// Start binds the listener and serves until Stop is called or the context
// is canceled. It blocks.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	slog.Info("chat server listening", "addr", s.addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return nil
			}
			slog.Warn("accept failed", "error", err)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		clientID := s.nextID.Add(1)
		s.track(clientID, conn)
		slog.Debug("client connected", "client_id", clientID, "remote", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(clientID)
			newHandler(clientID, newTCPStream(conn), s.registry, s.auth, s.chat).run(ctx)
			slog.Debug("client disconnected", "client_id", clientID)
		}()
	}
}

// Addr returns the bound listener address, or nil before Start binds it.
// Useful when the configured port is 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, interrupts every live connection and waits for
// the handlers to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) track(clientID int64, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[clientID] = conn
}

func (s *Server) untrack(clientID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, clientID)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request and runs the same protocol state machine
// over WebSocket frames. Client ids come from the shared counter, so both
// transports live in one registry namespace.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := s.nextID.Add(1)
	s.track(clientID, conn.UnderlyingConn())
	slog.Debug("websocket client connected", "client_id", clientID, "remote", conn.RemoteAddr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(clientID)
		// The request context ends when ServeWS returns, so the session gets
		// its own; Stop ends it by closing the tracked socket.
		newHandler(clientID, newWSStream(conn), s.registry, s.auth, s.chat).run(context.Background())
		slog.Debug("websocket client disconnected", "client_id", clientID)
	}()
}

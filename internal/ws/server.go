// Package ws is the WebSocket front of the realtime gateway. Connections
// are authenticated during the HTTP upgrade, registered with an epoll
// poller, and read by a bounded worker pool; decoded frames are handed to
// the gateway through Hooks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/metrics"
	"github.com/eventhub/realtime/internal/protocol"
)

// MaxFrameSize bounds a single client frame.
const MaxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for reading a ready frame
	WriteTimeout   time.Duration // timeout for each outbound frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the token presented on upgrade.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// Hooks connect the server to the application layer. All are optional.
type Hooks struct {
	// Admit runs before the upgrade; a non-nil error rejects the request.
	Admit func(ctx context.Context, id auth.Identity) error
	// OnConnect runs before the connection is polled and before
	// session_created is sent.
	OnConnect func(c *Connection)
	// OnMessage runs on a worker goroutine for every data frame.
	OnMessage func(c *Connection, data []byte)
	// OnDisconnect runs once per connection after it is unregistered.
	OnDisconnect func(c *Connection)
}

// Server upgrades HTTP requests to WebSocket and multiplexes reads over
// epoll.
type Server struct {
	config     ServerConfig
	auth       Authenticator
	hooks      Hooks
	logger     zerolog.Logger
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Call Start or Serve to accept connections.
func NewServer(config ServerConfig, authenticator Authenticator, hooks Hooks, logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		auth:       authenticator,
		hooks:      hooks,
		logger:     logger,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens on config.ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.logger.Info().
		Str("addr", l.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("websocket server listening")

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

// handleUpgrade authenticates the request, upgrades it and registers the
// connection with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	id, err := s.auth.Verify(requestToken(r))
	if err != nil {
		http.Error(w, apperr.Message(err), http.StatusUnauthorized)
		return
	}
	if s.hooks.Admit != nil {
		if err := s.hooks.Admit(r.Context(), id); err != nil {
			status := http.StatusServiceUnavailable
			if apperr.Is(err, apperr.KindRateLimited) {
				status = http.StatusTooManyRequests
			}
			http.Error(w, apperr.Message(err), status)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := &Connection{
		ID:           uuid.New().String(),
		UserID:       id.ID,
		DisplayName:  id.DisplayName,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	// OnConnect completes before the poller can hand the connection to a
	// worker, so no frame is dispatched ahead of the application's session.
	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error().Err(err).Str("conn_id", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}
	Send(c, s.logger, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    c.UserID,
	})

	s.logger.Debug().
		Str("conn_id", c.ID).
		Str("user_id", c.UserID).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may report the same fd to two workers.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// Stale readiness, the heartbeat deals with dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, reader)
		return
	}

	if header.Length > MaxFrameSize {
		s.logger.Info().Str("conn_id", c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// handleControl consumes a control frame's payload so the next frame
// header starts on a boundary. Pings are answered with a pong carrying the
// same payload, and a close is echoed before the connection is dropped.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	if header.Length > ws.MaxControlFramePayloadSize || !header.Fin {
		s.logger.Info().Str("conn_id", c.ID).Int64("length", header.Length).Msg("invalid control frame")
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		s.RemoveConnection(c)
		return
	}

	switch header.OpCode {
	case ws.OpPing:
		if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.ID).Msg("pong write failed")
			s.RemoveConnection(c)
		}
	case ws.OpClose:
		code, _ := ws.ParseCloseFrameData(payload)
		if code == 0 {
			code = ws.StatusNormalClosure
		}
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
		s.RemoveConnection(c)
	}
}

// RemoveConnection unregisters and closes c. Only the first call for a
// connection runs the OnDisconnect hook.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}

	s.logger.Debug().Str("conn_id", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections exposes the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes the live ones, running
// OnDisconnect for each.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("shutting down websocket server")
		close(s.done)

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
	})
	return err
}

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR)
}

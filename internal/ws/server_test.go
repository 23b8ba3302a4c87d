package ws

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/protocol"
)

type staticAuth map[string]auth.Identity

func (a staticAuth) Verify(token string) (auth.Identity, error) {
	id, ok := a[token]
	if !ok {
		return auth.Identity{}, apperr.Unauthorized("test.verify", "invalid token")
	}
	return id, nil
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func (c *client) read(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func (c *client) write(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func startServer(t *testing.T, hooks Hooks) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	srv := NewServer(cfg, staticAuth{"good": {ID: "u1", DisplayName: "Ada"}}, hooks, zerolog.Nop())
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	addr := l.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	return srv, addr
}

func dial(t *testing.T, addr, token string) (*client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws?token="+token)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { conn.Close() })

	// Bytes read past the handshake response stay in br; copy them out
	// before handing br back to the pool.
	var r io.Reader = conn
	if br != nil {
		buffered, _ := br.Peek(br.Buffered())
		r = io.MultiReader(bytes.NewReader(append([]byte(nil), buffered...)), conn)
		ws.PutReader(br)
	}
	return &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}, nil
}

func TestServer_RejectsBadToken(t *testing.T) {
	_, addr := startServer(t, Hooks{})
	_, err := dial(t, addr, "bad")
	require.Error(t, err)
	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusUnauthorized, int(status))
}

func TestServer_AdmitRateLimited(t *testing.T) {
	_, addr := startServer(t, Hooks{
		Admit: func(context.Context, auth.Identity) error {
			return apperr.RateLimited("test.admit", "too many connections")
		},
	})
	_, err := dial(t, addr, "good")
	var status ws.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusTooManyRequests, int(status))
}

func TestServer_SessionPingAndDispatch(t *testing.T) {
	var (
		mu           sync.Mutex
		connected    []string
		disconnected []string
	)
	dispatcher := NewMessageDispatcher(zerolog.Nop())
	dispatcher.Register(protocol.TypeSubscribe, func(c *Connection, msg interface{}) {
		sub := msg.(protocol.SubscribeMsg)
		Send(c, zerolog.Nop(), protocol.TypeSubscribed, protocol.SubscribedMsg{Channel: sub.Channel})
	})

	srv, addr := startServer(t, Hooks{
		OnConnect: func(c *Connection) {
			mu.Lock()
			connected = append(connected, c.UserID)
			mu.Unlock()
		},
		OnMessage: dispatcher.Dispatch,
		OnDisconnect: func(c *Connection) {
			mu.Lock()
			disconnected = append(disconnected, c.ID)
			mu.Unlock()
		},
	})

	c, err := dial(t, addr, "good")
	require.NoError(t, err)

	hello := c.read(t)
	assert.Equal(t, protocol.TypeSessionCreated, hello["type"])
	assert.Equal(t, "u1", hello["user_id"])
	sessionID, _ := hello["session_id"].(string)
	require.NotEmpty(t, sessionID)

	mu.Lock()
	assert.Equal(t, []string{"u1"}, connected, "OnConnect completes before session_created")
	mu.Unlock()

	c.write(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])

	c.write(t, `{"type":"subscribe","channel":"event-e1"}`)
	sub := c.read(t)
	assert.Equal(t, protocol.TypeSubscribed, sub["type"])
	assert.Equal(t, "event-e1", sub["channel"])

	c.write(t, `{"type":"nope"}`)
	errFrame := c.read(t)
	assert.Equal(t, protocol.TypeError, errFrame["type"])
	assert.Equal(t, protocol.CodeBadRequest, errFrame["code"])

	conns := srv.Connections().ForUser("u1")
	require.Len(t, conns, 1)
	assert.Equal(t, sessionID, conns[0].ID)

	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))))
	require.Eventually(t, func() bool { return srv.Connections().Count() == 0 }, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"u1"}, connected)
	assert.Equal(t, []string{sessionID}, disconnected)
}

func TestServer_ControlFrames(t *testing.T) {
	dispatcher := NewMessageDispatcher(zerolog.Nop())
	srv, addr := startServer(t, Hooks{OnMessage: dispatcher.Dispatch})

	c, err := dial(t, addr, "good")
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSessionCreated, c.read(t)["type"])

	// A ping payload must be consumed, or the next frame is misparsed.
	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewPingFrame([]byte("hello-ping")))))
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	pong, err := ws.ReadFrame(c.rw)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, pong.Header.OpCode)
	assert.Equal(t, "hello-ping", string(pong.Payload))

	c.write(t, `{"type":"ping"}`)
	assert.Equal(t, protocol.TypePong, c.read(t)["type"])
	assert.Equal(t, 1, srv.Connections().Count())

	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "bye")))))
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	closing, err := ws.ReadFrame(c.rw)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, closing.Header.OpCode)
	code, _ := ws.ParseCloseFrameData(closing.Payload)
	assert.Equal(t, ws.StatusGoingAway, code)
	require.Eventually(t, func() bool { return srv.Connections().Count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestServer_OversizedControlFrameDropsConnection(t *testing.T) {
	srv, addr := startServer(t, Hooks{})

	c, err := dial(t, addr, "good")
	require.NoError(t, err)
	c.read(t)

	frame := ws.NewPingFrame(bytes.Repeat([]byte("x"), ws.MaxControlFramePayloadSize+1))
	require.NoError(t, ws.WriteFrame(c.conn, ws.MaskFrameInPlace(frame)))
	require.Eventually(t, func() bool { return srv.Connections().Count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a1, _ := net.Pipe()
	a2, _ := net.Pipe()
	b1, _ := net.Pipe()

	cm.Add(&Connection{ID: "a1", UserID: "alice", Conn: a1})
	cm.Add(&Connection{ID: "a2", UserID: "alice", Conn: a2})
	cm.Add(&Connection{ID: "b1", UserID: "bob", Conn: b1})

	assert.Equal(t, 3, cm.Count())
	assert.Len(t, cm.ForUser("alice"), 2)
	assert.Equal(t, "b1", cm.GetByConn(b1).ID)

	assert.True(t, cm.Remove("a1"))
	assert.False(t, cm.Remove("a1"))
	assert.Nil(t, cm.Get("a1"))
	assert.Nil(t, cm.GetByConn(a1))
	assert.Len(t, cm.ForUser("alice"), 1)

	cm.Remove("a2")
	assert.Empty(t, cm.ForUser("alice"))
	assert.Len(t, cm.All(), 1)
}

func TestHeartbeat_EvictsIdle(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), staticAuth{}, Hooks{}, zerolog.Nop())
	var err error
	srv.epoll, err = NewEpoll()
	require.NoError(t, err)
	defer srv.epoll.Close()

	server, peer := net.Pipe()
	defer peer.Close()
	go func() { _, _ = io.Copy(io.Discard, bufio.NewReader(peer)) }()

	stale := &Connection{ID: "stale", UserID: "u1", Conn: server}
	stale.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	srv.conns.Add(stale)

	srv.checkConnections(DefaultHeartbeatConfig(), time.Now())
	assert.Zero(t, srv.Connections().Count())
}

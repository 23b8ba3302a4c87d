//go:build !linux

package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
)

// Epoll is the portable poller: one goroutine per connection blocks on a
// one-byte read and reports the connection ready. The byte is handed back
// through Reader, and the goroutine waits for Rearm before reading again.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	conn    net.Conn
	pending []byte
	resume  chan struct{}
}

// NewEpoll creates a poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{conn: conn, resume: make(chan struct{}, 1)}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(w)
	return nil
}

func (e *Epoll) monitor(w *watch) {
	buf := make([]byte, 1)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			e.mu.Lock()
			w.pending = append(w.pending, buf[:n]...)
			e.mu.Unlock()
		}

		select {
		case e.readyCh <- w.conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-w.resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()

	if ok {
		close(w.resume)
	}
	return nil
}

// Wait blocks until at least one connection is ready.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader returns conn with any byte consumed by the watcher put back in
// front.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.conns[conn]
	if !ok || len(w.pending) == 0 {
		return conn
	}
	p := w.pending
	w.pending = nil
	return io.MultiReader(bytes.NewReader(p), conn)
}

// Rearm lets the watcher of conn look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.conns[conn]; ok {
		select {
		case w.resume <- struct{}{}:
		default:
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

func socketFD(net.Conn) int {
	return -1
}

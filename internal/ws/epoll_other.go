//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each registered connection gets a goroutine that reads frames through the
// callback given to NewEpoll until it reports the connection is gone, so
// Wait never returns connections here.
type Epoll struct {
	mu     sync.Mutex
	conns  map[*Connection]struct{}
	handle func(*Connection) bool
	done   chan struct{}
}

// NewEpoll creates a fallback instance that calls handle in a loop for every
// registered connection. handle returns false once the connection is closed.
func NewEpoll(handle func(*Connection) bool) (*Epoll, error) {
	return &Epoll{
		conns:  make(map[*Connection]struct{}),
		handle: handle,
		done:   make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its read goroutine.
func (e *Epoll) Add(c *Connection) error {
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()

	go func() {
		for e.registered(c) && e.handle(c) {
		}
	}()
	return nil
}

func (e *Epoll) registered(c *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[c]
	return ok
}

// Remove unregisters a connection; its goroutine exits after the current
// read.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
	return nil
}

// Wait blocks until Close. Reads are driven by the per-connection
// goroutines.
func (e *Epoll) Wait() ([]*Connection, error) {
	<-e.done
	return nil, net.ErrClosed
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[*Connection]struct{})
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since we don't need file
// descriptors for the goroutine-based fallback.
func socketFD(conn net.Conn) int {
	return -1
}

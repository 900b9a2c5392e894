//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop observes shutdown.
const waitTimeoutMs = 200

var errEpollClosed = errors.New("ws: epoll closed")

// Epoll multiplexes reads for every registered connection over one
// level-triggered epoll instance. Wait returns readable connections; the
// caller reads them on its worker pool.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int]*Connection // nil once closed
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance. The read callback is only used by
// the portable build.
func NewEpoll(_ func(*Connection) bool) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFd:   make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches c for input, hangup and peer half-close.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byFd == nil {
		return errEpollClosed
	}
	ev := &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, ev); err != nil {
		return err
	}
	e.byFd[c.Fd] = c
	return nil
}

// Remove stops watching c. Removing an unknown connection is a no-op.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byFd == nil {
		return errEpollClosed
	}
	if cur, ok := e.byFd[c.Fd]; !ok || cur != c {
		return nil
	}
	delete(e.byFd, c.Fd)
	return unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait returns the connections that became readable, or none once the
// wait times out. Descriptors removed while waiting are skipped.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.byFd == nil {
		return nil, errEpollClosed
	}
	ready := make([]*Connection, 0, n)
	for _, ev := range e.events[:n] {
		if c, ok := e.byFd[int(ev.Fd)]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byFd == nil {
		return nil
	}
	e.byFd = nil
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without duplicating it, or
// -1 if conn is not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1
	}
	return fd
}

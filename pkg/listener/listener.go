// Package listener wraps a TCP listener so the daemon loop can poll it for
// at most one pending connection without ever blocking.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// acceptPoll bounds how long TryAccept waits. A deadline already in the past
// makes the runtime poller fail before the accept syscall is even attempted,
// so a pending connection would never be picked up.
const acceptPoll = 10 * time.Millisecond

var ErrClosed = errors.New("listener closed")

type Listener struct {
	ln        *net.TCPListener
	port      int
	closeOnce sync.Once
	closeErr  error
	closed    bool
	mu        sync.Mutex
}

// Listen binds all interfaces on port. Port 0 picks a free port.
func Listen(port int) (*Listener, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	return &Listener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
	}, nil
}

func (l *Listener) Port() int {
	return l.port
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// TryAccept returns the next pending connection, or nil when there is none.
func (l *Listener) TryAccept() (*net.TCPConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	if err := l.ln.SetDeadline(time.Now().Add(acceptPoll)); err != nil {
		return nil, fmt.Errorf("set accept deadline: %w", err)
	}

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

// Close is safe to call more than once; only the first call closes the socket.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

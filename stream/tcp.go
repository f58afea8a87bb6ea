package stream

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// TCP is a non-blocking stream over an accepted TCP socket. The fd must
// already be in non-blocking mode; the server's accept loop takes care
// of that.
type TCP struct {
	fd         int
	remoteAddr string
	closeOnce  sync.Once
	closed     atomic.Bool
}

// NewTCP wraps an accepted non-blocking socket.
func NewTCP(fd int, remoteAddr string) *TCP {
	return &TCP{fd: fd, remoteAddr: remoteAddr}
}

// Fd returns the socket's file descriptor.
func (t *TCP) Fd() int {
	return t.fd
}

// RemoteAddr returns the peer address for logging.
func (t *TCP) RemoteAddr() string {
	return t.remoteAddr
}

// Read performs one non-blocking read. Returns ErrWouldBlock when no
// data is available and io.EOF when the peer has closed.
func (t *TCP) Read(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrWouldBlock
		case err == unix.ECONNRESET || err == unix.EPIPE:
			return 0, io.EOF
		case err != nil:
			return 0, fmt.Errorf("tcp read failed: %w", err)
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write performs one non-blocking write. Returns ErrWouldBlock when the
// socket buffer is full.
func (t *TCP) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Write(t.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrWouldBlock
		case err == unix.ECONNRESET || err == unix.EPIPE:
			return 0, io.EOF
		case err != nil:
			return 0, fmt.Errorf("tcp write failed: %w", err)
		default:
			return n, nil
		}
	}
}

// Close releases the socket. Safe to call from multiple goroutines;
// only the first call closes the fd.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		err = unix.Close(t.fd)
	})
	return err
}

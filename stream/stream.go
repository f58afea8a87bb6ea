// Package stream abstracts the non-blocking byte streams that channels
// read from and write to. The poller keys its subscriptions on the
// stream's file descriptor.
package stream

import (
	"errors"
	"io"
)

// ErrWouldBlock is returned by Read and Write when the operation cannot
// make progress right now. It is distinct from io.EOF, which reports the
// peer closing its end.
var ErrWouldBlock = errors.New("stream: operation would block")

// Stream is a non-blocking byte stream bound to a file descriptor.
//
// Read and Write return the number of bytes transferred. A blocked
// operation returns (0, ErrWouldBlock); a closed peer returns io.EOF
// from Read. Close must be idempotent, since the orchestrator, poller
// callback and garbage collector may all race to release a channel.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Fd returns the underlying file descriptor, the poller's
	// subscription key.
	Fd() int
}

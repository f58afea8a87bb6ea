// Package netpoll provides a one-shot epoll poller. Streams are armed
// for a single readiness notification at a time; after an event fires
// the subscription must be re-armed. Hangup and error conditions are
// reported as Completion regardless of the requested mask.
package netpoll

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ymarcov/nitra/event"
	"github.com/ymarcov/nitra/log"
)

// Events is the readiness event bitmask.
type Events uint32

const (
	// Readable indicates data can be read without blocking.
	Readable Events = 1 << iota
	// Writable indicates data can be written without blocking.
	Writable
	// Completion indicates the peer hung up or the stream errored;
	// no further I/O is useful.
	Completion
)

// Pollable is anything keyed by a file descriptor.
type Pollable interface {
	Fd() int
}

// Callback is invoked on the poller goroutine once per armed
// subscription, with a mask containing at least one event.
type Callback func(p Pollable, events Events)

// ErrClosed is returned by Poll after the poller has stopped.
var ErrClosed = errors.New("netpoll: poller is closed")

// Poller wraps an epoll instance plus an eventfd used to interrupt the
// wait loop for shutdown.
type Poller struct {
	epfd   int
	wakeFd int

	mu         sync.Mutex
	registered map[int]Pollable

	cb       Callback
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	onStop   *event.Signal
}

// New creates a poller ready to be started.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("failed to register eventfd: %w", err)
	}

	return &Poller{
		epfd:       epfd,
		wakeFd:     wakeFd,
		registered: make(map[int]Pollable),
		done:       make(chan struct{}),
		onStop:     event.NewSignal(),
	}, nil
}

// OnStop returns the signal fired when the poller terminates for any
// reason.
func (p *Poller) OnStop() *event.Signal {
	return p.onStop
}

// Start spawns the poller goroutine delivering events to cb. The
// returned channel closes when the poller has fully terminated.
func (p *Poller) Start(cb Callback) <-chan struct{} {
	p.cb = cb
	p.started.Store(true)
	go p.loop()
	return p.done
}

// Poll arms a one-shot subscription for the given events, plus hangup
// detection. Re-arming an already known stream replaces its mask.
func (p *Poller) Poll(pl Pollable, ev Events) error {
	if p.stopping.Load() {
		return ErrClosed
	}

	var sysEvents uint32 = unix.EPOLLONESHOT
	if ev&Readable != 0 {
		sysEvents |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		sysEvents |= unix.EPOLLOUT
	}
	if ev&Completion != 0 {
		sysEvents |= unix.EPOLLRDHUP
	}

	fd := pl.Fd()

	p.mu.Lock()
	defer p.mu.Unlock()

	_, known := p.registered[fd]
	op := unix.EPOLL_CTL_ADD
	if known {
		op = unix.EPOLL_CTL_MOD
	}

	epEvent := &unix.EpollEvent{Events: sysEvents, Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, op, fd, epEvent)

	// The kernel set and our map can disagree after fd reuse; fall
	// back to the complementary op.
	if err == unix.EEXIST {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, epEvent)
	} else if err == unix.ENOENT {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, epEvent)
	}
	if err != nil {
		return fmt.Errorf("failed to arm fd %d: %w", fd, err)
	}

	p.registered[fd] = pl
	return nil
}

// Remove deregisters a stream. Best-effort: unknown streams are not an
// error.
func (p *Poller) Remove(pl Pollable) error {
	fd := pl.Fd()

	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.registered, fd)

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to deregister fd %d: %w", fd, err)
	}
	return nil
}

// Stop terminates the poller, waits for the loop to exit and fires
// OnStop. Idempotent.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.stopping.Store(true)

		if p.started.Load() {
			p.wake()
			<-p.done
			return
		}

		// Never started: tear down inline.
		p.teardown()
		p.onStop.Fire()
		close(p.done)
	})
}

func (p *Poller) wake() {
	var one [8]byte
	one[7] = 1
	if _, err := unix.Write(p.wakeFd, one[:]); err != nil && err != unix.EAGAIN {
		log.Error().Err(err).Msg("failed to wake poller loop")
	}
}

func (p *Poller) teardown() {
	unix.Close(p.wakeFd)
	unix.Close(p.epfd)
}

func (p *Poller) loop() {
	defer func() {
		p.teardown()
		p.onStop.Fire()
		close(p.done)
	}()

	events := make([]unix.EpollEvent, 64)

	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("epoll wait failed, poller terminating")
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			if fd == p.wakeFd {
				var buf [8]byte
				unix.Read(p.wakeFd, buf[:])
				continue
			}

			p.dispatch(fd, events[i].Events)
		}

		if p.stopping.Load() {
			return
		}
	}
}

func (p *Poller) dispatch(fd int, sysEvents uint32) {
	var ev Events
	if sysEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP|unix.EPOLLERR) != 0 {
		ev |= Completion
	}
	if sysEvents&unix.EPOLLIN != 0 {
		ev |= Readable
	}
	if sysEvents&unix.EPOLLOUT != 0 {
		ev |= Writable
	}
	if ev == 0 {
		return
	}

	p.mu.Lock()
	pl, ok := p.registered[fd]
	p.mu.Unlock()

	// The stream may have been removed between the kernel reporting
	// the event and us dispatching it.
	if !ok {
		return
	}

	p.cb(pl, ev)
}

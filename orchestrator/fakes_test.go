package orchestrator

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ymarcov/nitra/channel"
	"github.com/ymarcov/nitra/event"
	"github.com/ymarcov/nitra/netpoll"
	"github.com/ymarcov/nitra/stream"
)

// fakeStream is an in-memory stream with scripted input.
type fakeStream struct {
	fd int

	mu       sync.Mutex
	readable []byte
	eof      bool
	written  bytes.Buffer
	reads    int

	closed atomic.Bool
}

var _nextFakeFd atomic.Int64

func newFakeStream() *fakeStream {
	return &fakeStream{fd: int(_nextFakeFd.Add(1)) + 1_000_000}
}

func (f *fakeStream) Fd() int { return f.fd }

func (f *fakeStream) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readable = append(f.readable, b...)
}

func (f *fakeStream) setEOF() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eof = true
}

func (f *fakeStream) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, io.EOF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.readable) == 0 {
		if f.eof {
			return 0, io.EOF
		}
		return 0, stream.ErrWouldBlock
	}
	n := copy(p, f.readable)
	f.readable = f.readable[n:]
	return n, nil
}

func (f *fakeStream) Write(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, io.EOF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeStream) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeStream) writtenBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

func (f *fakeStream) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// fakePoller records subscriptions and lets tests fire events as if the
// kernel had reported readiness.
type fakePoller struct {
	mu      sync.Mutex
	cb      netpoll.Callback
	armed   map[int]netpoll.Events
	removed map[int]int

	stopOnce sync.Once
	done     chan struct{}
	onStop   *event.Signal
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		armed:   make(map[int]netpoll.Events),
		removed: make(map[int]int),
		done:    make(chan struct{}),
		onStop:  event.NewSignal(),
	}
}

func (p *fakePoller) Start(cb netpoll.Callback) <-chan struct{} {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()
	return p.done
}

func (p *fakePoller) Poll(pl netpoll.Pollable, ev netpoll.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed[pl.Fd()] = ev
	return nil
}

func (p *fakePoller) Remove(pl netpoll.Pollable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed[pl.Fd()]++
	delete(p.armed, pl.Fd())
	return nil
}

func (p *fakePoller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.onStop.Fire()
	})
}

func (p *fakePoller) OnStop() *event.Signal {
	return p.onStop
}

// armedEvents returns the current one-shot subscription for fd, if any.
func (p *fakePoller) armedEvents(fd int) (netpoll.Events, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.armed[fd]
	return ev, ok
}

// fire consumes the one-shot subscription and delivers the event, like
// the kernel would.
func (p *fakePoller) fire(pl netpoll.Pollable, ev netpoll.Events) bool {
	p.mu.Lock()
	armed, ok := p.armed[pl.Fd()]
	if !ok || armed&ev == 0 {
		p.mu.Unlock()
		return false
	}
	delete(p.armed, pl.Fd())
	cb := p.cb
	p.mu.Unlock()

	cb(pl, ev)
	return true
}

func (p *fakePoller) removeCount(fd int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removed[fd]
}

// waitFor polls a condition until it holds or the deadline expires.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// fireWhenArmed waits for the poller to arm fd for ev, then fires it.
func (p *fakePoller) fireWhenArmed(pl netpoll.Pollable, ev netpoll.Events, timeout time.Duration) bool {
	ok := waitFor(timeout, func() bool {
		armed, armedOk := p.armedEvents(pl.Fd())
		return armedOk && armed&ev != 0
	})
	if !ok {
		return false
	}
	return p.fire(pl, ev)
}

func handlerFactory(h channel.Handler) channel.Factory {
	return channel.FactoryFunc(func(s stream.Stream) *channel.Channel {
		return channel.NewChannel(s, h)
	})
}

func (o *Orchestrator) taskCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *Orchestrator) lookupCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fastLookup)
}

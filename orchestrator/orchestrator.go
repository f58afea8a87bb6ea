// Package orchestrator implements the scheduling core of the server: it
// owns the set of live connection tasks, decides which are ready to do
// work, dispatches activations to a worker pool, reacts to poller
// readiness events and times out idle channels.
package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ymarcov/nitra/channel"
	"github.com/ymarcov/nitra/event"
	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/metrics"
	"github.com/ymarcov/nitra/netpoll"
	"github.com/ymarcov/nitra/stream"
	"github.com/ymarcov/nitra/throttle"
)

const defaultInactivityTimeout = 10 * time.Second

// Poller is the readiness-notification collaborator. Subscriptions are
// one-shot: the callback fires exactly once per Poll, on the poller's
// goroutine, with a mask containing at least one event.
type Poller interface {
	Start(cb netpoll.Callback) <-chan struct{}
	Poll(p netpoll.Pollable, ev netpoll.Events) error
	Remove(p netpoll.Pollable) error
	Stop()
	OnStop() *event.Signal
}

// Orchestrator is the central scheduler. Apart from Add, which appends
// under the orchestrator mutex, its main goroutine is the only mutator
// of the task list and the fast-lookup map; worker goroutines
// only touch tasks through references captured at dispatch time and
// never block except briefly on a task mutex.
//
// Lock ordering is strictly orchestrator mutex → task mutex; a task
// mutex is never held across an acquisition of the orchestrator mutex.
type Orchestrator struct {
	factory channel.Factory
	poller  Poller
	pool    *workerPool

	masterReadThrottler  *throttle.Bucket
	masterWriteThrottler *throttle.Bucket

	newEvent *WaitEvent
	stop     atomic.Bool

	mu         sync.Mutex
	tasks      []*task
	fastLookup map[int]*task

	inactivityTimeout atomic.Int64 // duration in nanos

	onStop *event.Signal

	mainDone   chan struct{}
	pollerDone <-chan struct{}
}

// Create builds an orchestrator with its own epoll-backed poller and a
// worker pool of the given size.
func Create(factory channel.Factory, threads int) (*Orchestrator, error) {
	p, err := netpoll.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}
	return CreateWithPoller(factory, threads, p), nil
}

// CreateWithPoller builds an orchestrator over an externally supplied
// poller implementation.
func CreateWithPoller(factory channel.Factory, threads int, p Poller) *Orchestrator {
	o := &Orchestrator{
		factory:              factory,
		poller:               p,
		pool:                 newWorkerPool(threads),
		masterReadThrottler:  throttle.Unlimited(),
		masterWriteThrottler: throttle.Unlimited(),
		newEvent:             NewWaitEvent(),
		fastLookup:           make(map[int]*task),
		onStop:               event.NewSignal(),
	}
	o.inactivityTimeout.Store(int64(defaultInactivityTimeout))

	// A dying poller takes the orchestrator down with it.
	p.OnStop().Subscribe(func() {
		o.stop.Store(true)
		o.wakeUp()
	})

	return o
}

// OnStop returns the signal fired exactly once when the orchestrator has
// fully stopped.
func (o *Orchestrator) OnStop() *event.Signal {
	return o.onStop
}

// Start spawns the main goroutine and the poller. The returned channel
// yields exactly one value when the orchestrator has fully stopped: nil
// after a clean shutdown, or the fatal error that killed the main loop.
//
// An orchestrator is single-use; once stopped it cannot be restarted.
func (o *Orchestrator) Start() <-chan error {
	o.stop.Store(false)
	result := make(chan error, 1)
	o.mainDone = make(chan struct{})
	o.pollerDone = o.poller.Start(o.onEvent)
	go o.run(result)
	return result
}

func (o *Orchestrator) run(result chan<- error) {
	err := o.mainLoop()
	if err != nil {
		log.Error().Err(err).Msg("orchestrator stopped due to error")
		o.stop.Store(true)
	}

	o.teardown()
	close(o.mainDone)
	o.onStop.Fire()
	result <- err
}

func (o *Orchestrator) mainLoop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator main loop panicked: %v", r)
		}
	}()

	for !o.stop.Load() {
		o.iterateOnce()
	}
	return nil
}

func (o *Orchestrator) teardown() {
	o.poller.Stop()
	o.pool.Stop()
	<-o.pollerDone

	// No activations can run anymore; release whatever is left.
	o.mu.Lock()
	for _, t := range o.tasks {
		t.channel.Close()
	}
	o.tasks = nil
	o.fastLookup = make(map[int]*task)
	o.mu.Unlock()
}

// Stop requests termination and waits for the main goroutine to finish.
// Idempotent and safe to call from any goroutine, including OnStop
// subscribers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stop.Store(true)
	o.mu.Unlock()

	o.wakeUp()

	if o.mainDone != nil {
		<-o.mainDone
	}
}

// Add registers an accepted stream: constructs a channel via the
// factory, attaches the master throttlers, records the task and arms the
// poller for readability. Thread-safe.
func (o *Orchestrator) Add(s stream.Stream) {
	ch := o.factory.CreateChannel(s)
	ch.SetMasterThrottlers(o.masterReadThrottler, o.masterWriteThrottler)

	t := &task{orchestrator: o, channel: ch}
	t.lastActive.Store(time.Now().UnixNano())

	o.mu.Lock()
	o.tasks = append(o.tasks, t)
	o.fastLookup[s.Fd()] = t
	live := len(o.tasks)
	o.mu.Unlock()

	metrics.IncrCounterWithGroup(metrics.NameChannelsAddedTotal, metrics.GroupNitra, 1)
	metrics.UpdateGaugeWithGroup(metrics.NameLiveChannels, metrics.GroupNitra, metrics.Value(live))
	log.Debug().Uint64("channel", ch.ID()).Int("fd", s.Fd()).Msg("channel added")

	o.poller.Poll(s, netpoll.Completion|netpoll.Readable)
}

// ThrottleRead replaces the master read throttler shared by all live and
// future channels; the new rate is observed on their next quota query.
func (o *Orchestrator) ThrottleRead(t *throttle.Bucket) {
	o.masterReadThrottler.Adopt(t)
}

// ThrottleWrite replaces the master write throttler shared by all live
// and future channels.
func (o *Orchestrator) ThrottleWrite(t *throttle.Bucket) {
	o.masterWriteThrottler.Adopt(t)
}

// SetInactivityTimeout adjusts the idle-eviction threshold for all
// subsequent checks.
func (o *Orchestrator) SetInactivityTimeout(d time.Duration) {
	o.inactivityTimeout.Store(int64(d))
	// Wake the main loop so the new deadline bounds its current wait.
	o.wakeUp()
}

func (o *Orchestrator) wakeUp() {
	o.newEvent.Signal()
}

// onEvent is the poller callback, invoked on the poller goroutine.
func (o *Orchestrator) onEvent(p netpoll.Pollable, events netpoll.Events) {
	o.mu.Lock()
	t, ok := o.fastLookup[p.Fd()]
	o.mu.Unlock()

	// Absent means the task raced with close and collection.
	if !ok {
		return
	}

	ch := t.channel

	if events&netpoll.Completion != 0 {
		// No use talking to a wall; even if other events came along,
		// no one is listening to our replies. Closing is idempotent
		// and races benignly, no mutex needed.
		log.Trace().Uint64("channel", ch.ID()).Msg("completion event")
		ch.Close()
	} else {
		t.mu.Lock()
		o.handleChannelEvent(ch, events)
		t.mu.Unlock()
	}

	// Either way the main thread has to react, by collecting garbage
	// or by advancing the task's state machine.
	o.wakeUp()
}

func (o *Orchestrator) handleChannelEvent(ch *channel.Channel, events netpoll.Events) {
	switch ch.DefiniteStage() {
	case channel.StageWaitReadable:
		if events&netpoll.Readable != 0 {
			log.Trace().Uint64("channel", ch.ID()).Msg("channel became readable")
			ch.SetStage(channel.StageRead)
		} else {
			log.Error().Uint64("channel", ch.ID()).
				Msg("channel was waiting for readability but got a different event, check poll logic")
		}

	case channel.StageWaitWritable:
		if events&netpoll.Writable != 0 {
			log.Trace().Uint64("channel", ch.ID()).Msg("channel became writable")
			ch.SetStage(channel.StageWrite)
		} else {
			log.Error().Uint64("channel", ch.ID()).
				Msg("channel was waiting for writability but got a different event, check poll logic")
		}

	case channel.StageClosed:
		// The channel may have reached its inactivity timeout after
		// the event was dispatched but before it was processed.
		log.Trace().Uint64("channel", ch.ID()).Msg("ignoring event on closed channel")

	default:
		// The channel is not supposed to be in the poller unless it
		// was waiting for something.
		log.Error().Uint64("channel", ch.ID()).Str("stage", ch.DefiniteStage().String()).
			Msg("channel was not in a waiting stage but received an event, check poll logic")
		ch.Close()
	}
}

// iterateOnce runs one scheduling round: capture the ready tasks and
// hand each to the worker pool.
func (o *Orchestrator) iterateOnce() {
	for _, t := range o.captureTasks() {
		// Exit ASAP if the server needs to stop; don't wait for the
		// next capture.
		if o.stop.Load() {
			break
		}

		// Mark it as handled right here so the next capture filters
		// it out without waiting for the worker to get to it.
		t.markInProcess(true)

		t := t
		o.pool.Post(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.activate()
		})
	}
}

// captureTasks waits until at least one task is ready or stop is
// requested, re-checking on every wakeup signal and whenever the wakeup
// deadline passes, then snapshots the ready subset.
// The orchestrator mutex is released while waiting so Add and the poller
// callback stay unblocked.
func (o *Orchestrator) captureTasks() []*task {
	o.mu.Lock()

	for {
		timeout := o.latestAllowedWakeupLocked()
		if !timeout.After(time.Now()) {
			break
		}

		o.mu.Unlock()
		o.newEvent.WaitUntilAndReset(timeout)
		o.mu.Lock()

		if o.stop.Load() || o.atLeastOneTaskReadyLocked() {
			break
		}
	}

	o.collectGarbageLocked()
	ready := o.filterReadyTasksLocked()

	o.mu.Unlock()
	return ready
}

func (o *Orchestrator) filterReadyTasksLocked() []*task {
	snapshot := make([]*task, 0, len(o.tasks))
	for _, t := range o.tasks {
		if o.isTaskReady(t) {
			snapshot = append(snapshot, t)
		}
	}
	return snapshot
}

func (o *Orchestrator) atLeastOneTaskReadyLocked() bool {
	for _, t := range o.tasks {
		if o.isTaskReady(t) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) isTaskReady(t *task) bool {
	// Claimed by a worker already; nothing for us to do right now.
	if t.isInProcess() {
		return false
	}

	// A timed-out task must get a chance to close itself.
	if t.reachedInactivityTimeout() {
		return true
	}

	return t.channel.IsReady()
}

// latestAllowedWakeupLocked computes the deadline at which the main
// thread must re-evaluate even if no event arrives. The default is the
// inactivity timeout; a channel waiting on a throttler refill can pull
// the deadline closer.
func (o *Orchestrator) latestAllowedWakeupLocked() time.Time {
	now := time.Now()
	timeout := now.Add(time.Duration(o.inactivityTimeout.Load()))

	for _, t := range o.tasks {
		requested := t.channel.RequestedTimeout()
		if !requested.Before(now) && requested.Before(timeout) {
			timeout = requested
		}
	}

	return timeout
}

// collectGarbageLocked partitions the task list in place, dropping every
// task whose channel has closed and erasing its fast-lookup entry.
func (o *Orchestrator) collectGarbageLocked() {
	kept := o.tasks[:0]
	for _, t := range o.tasks {
		if t.channel.TentativeStage() != channel.StageClosed {
			kept = append(kept, t)
			continue
		}

		fd := t.channel.Stream().Fd()
		// The fd may have been reused by a newer channel already.
		if cur, ok := o.fastLookup[fd]; ok && cur == t {
			delete(o.fastLookup, fd)
		}
	}

	if len(kept) == len(o.tasks) {
		return
	}

	for i := len(kept); i < len(o.tasks); i++ {
		o.tasks[i] = nil
	}
	o.tasks = kept
	metrics.UpdateGaugeWithGroup(metrics.NameLiveChannels, metrics.GroupNitra, metrics.Value(len(kept)))
}

package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ymarcov/nitra/channel"
	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/metrics"
	"github.com/ymarcov/nitra/netpoll"
)

// task is the per-channel scheduling record. Its mutex serializes
// activation and externally visible channel mutation. The task holds a
// plain back-pointer to its orchestrator, which outlives all of its
// tasks by construction.
type task struct {
	orchestrator *Orchestrator
	channel      *channel.Channel

	mu         sync.Mutex
	lastActive atomic.Int64 // unix nanos
	inProcess  atomic.Bool
}

func (t *task) markInProcess(b bool) {
	t.inProcess.Store(b)
}

func (t *task) isInProcess() bool {
	return t.inProcess.Load()
}

// reachedInactivityTimeout reports whether the channel has been waiting
// on the client for longer than the configured timeout. Inactivity only
// counts while the server is blameless; a channel we merely haven't
// scheduled yet is not idle.
func (t *task) reachedInactivityTimeout() bool {
	if !t.channel.IsWaitingForClient() {
		return false
	}
	diff := time.Now().UnixNano() - t.lastActive.Load()
	return diff >= int64(t.orchestrator.inactivityTimeout.Load())
}

// activate performs one activation cycle. Runs on a worker thread with
// the task mutex held.
func (t *task) activate() {
	o := t.orchestrator

	start := time.Now()
	metrics.IncrCounterWithGroup(metrics.NameChannelActivationsTotal, metrics.GroupNitra, 1)
	defer metrics.RecordStopwatchWithGroup(metrics.NameActivationDurationMS, metrics.GroupNitra, start)

	if t.reachedInactivityTimeout() {
		log.Info().Uint64("channel", t.channel.ID()).Msg("channel reached inactivity timeout")

		// If it happened while it was in the poller, remove it from
		// there as well; the poller tolerates unknown streams.
		o.poller.Remove(t.channel.Stream())

		t.channel.Close()
		t.markInProcess(false)
		o.wakeUp()
		return
	}

	t.channel.Advance()

	t.lastActive.Store(time.Now().UnixNano())

	// When the channel goes back to the poller there is no point in
	// waking the main thread: the task cannot be ready until the
	// kernel reports an event.
	notify := false

	switch t.channel.DefiniteStage() {
	case channel.StageWaitReadable:
		o.poller.Poll(t.channel.Stream(), netpoll.Completion|netpoll.Readable)
	case channel.StageWaitWritable:
		o.poller.Poll(t.channel.Stream(), netpoll.Completion|netpoll.Writable)
	default:
		// Ready for its next stage already, or parked on a throttling
		// deadline the main loop must fold into its wakeup, or Closed
		// and waiting for collection.
		notify = true
	}

	t.markInProcess(false)

	if notify {
		o.wakeUp()
	}
}

// Package channel implements the per-connection request/response state
// machine advanced by the orchestrator's worker pool.
package channel

import (
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/metrics"
	"github.com/ymarcov/nitra/stream"
	"github.com/ymarcov/nitra/throttle"
)

// neverNanos is the "no requested wakeup" sentinel, far enough in the
// future that it never wins a deadline comparison.
const neverNanos = math.MaxInt64

const readChunkSize = 8 * 1024

// internalErrorPayload is the canned reply queued when a handler fails.
var internalErrorPayload = []byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

var _nextChannelID atomic.Uint64

// Throttlers pairs the read and write throttler groups of one channel.
// Each group combines a dedicated per-channel bucket with a shared
// master bucket.
type Throttlers struct {
	Read  throttle.Group
	Write throttle.Group
}

// Channel owns one client connection and advances it through the
// read/process/write lifecycle.
//
// Advance is the sole externally invoked transition function and must be
// called under the owning task's mutex. The stage itself is atomic: the
// poller callback performs the WaitReadable→Read and WaitWritable→Write
// transitions (under the same mutex), while lock-free tentative reads
// serve the orchestrator's filtering, where stale values are safe
// because Closed is terminal.
type Channel struct {
	id      uint64
	stream  stream.Stream
	handler Handler

	stage   atomic.Int32
	timeout atomic.Int64 // requested wakeup, unix nanos

	request  Request
	response Response
	readBuf  []byte

	throttlers Throttlers

	forceClose       atomic.Bool
	fetchingContent  bool
	autoFetchContent bool
}

// NewChannel creates a channel over the given stream, driven by the
// given handler. Both throttler groups start unthrottled; the
// orchestrator attaches its master buckets on Add.
func NewChannel(s stream.Stream, h Handler) *Channel {
	c := &Channel{
		id:               _nextChannelID.Add(1),
		stream:           s,
		handler:          h,
		readBuf:          make([]byte, readChunkSize),
		autoFetchContent: true,
	}
	c.throttlers.Read.Dedicated = throttle.Unlimited()
	c.throttlers.Read.Master = throttle.Unlimited()
	c.throttlers.Write.Dedicated = throttle.Unlimited()
	c.throttlers.Write.Master = throttle.Unlimited()
	c.stage.Store(int32(StageWaitReadable))
	c.timeout.Store(neverNanos)
	return c
}

// ID returns the channel's unique identifier.
func (c *Channel) ID() uint64 {
	return c.id
}

// Stream returns the underlying stream.
func (c *Channel) Stream() stream.Stream {
	return c.stream
}

// Throttlers exposes the channel's throttler groups, e.g. to tighten the
// dedicated buckets of a single connection.
func (c *Channel) Throttlers() *Throttlers {
	return &c.throttlers
}

// SetMasterThrottlers attaches the shared master buckets. Called by the
// orchestrator when the channel is registered.
func (c *Channel) SetMasterThrottlers(read, write *throttle.Bucket) {
	c.throttlers.Read.Master = read
	c.throttlers.Write.Master = write
}

// SetAutoFetchContent controls whether the request body is fetched
// automatically before the handler runs. When disabled, the handler is
// invoked as soon as the head completes and may ask for the body with
// FetchContent.
func (c *Channel) SetAutoFetchContent(b bool) {
	c.autoFetchContent = b
}

// DefiniteStage returns the stage; authoritative only under the task
// mutex.
func (c *Channel) DefiniteStage() Stage {
	return Stage(c.stage.Load())
}

// TentativeStage returns the stage without synchronization. May race
// with concurrent transitions; safe where staleness is harmless since
// stages advance monotonically toward Closed.
func (c *Channel) TentativeStage() Stage {
	return Stage(c.stage.Load())
}

// SetStage transitions the stage. Callers must hold the task mutex;
// the poller callback uses this for the Wait*→Read/Write transitions.
// Closed is terminal: a transition racing a concurrent Close is dropped
// so stages only ever advance toward Closed.
func (c *Channel) SetStage(s Stage) {
	for {
		cur := c.stage.Load()
		if Stage(cur) == StageClosed {
			return
		}
		if c.stage.CompareAndSwap(cur, int32(s)) {
			log.Trace().Uint64("channel", c.id).Str("stage", s.String()).Msg("stage transition")
			return
		}
	}
}

// RequestedTimeout returns the channel's preferred wakeup deadline:
// a throttler refill instant, or a distant-future sentinel when the
// channel has nothing scheduled.
func (c *Channel) RequestedTimeout() time.Time {
	return time.Unix(0, c.timeout.Load())
}

func (c *Channel) setRequestedTimeout(t time.Time) {
	c.timeout.Store(t.UnixNano())
}

func (c *Channel) clearRequestedTimeout() {
	c.timeout.Store(neverNanos)
}

// IsReady reports whether Advance would make forward progress right
// now. Closed counts as ready so the task gets garbage-collected.
func (c *Channel) IsReady() bool {
	switch c.TentativeStage() {
	case StageRead, StageProcess, StageWrite, StageClosed:
		return true
	case StageReadTimeout, StageWriteTimeout:
		return time.Now().UnixNano() >= c.timeout.Load()
	default:
		return false
	}
}

// IsWaitingForClient reports whether the channel cannot make progress
// until the client does something. Only these stages count toward the
// inactivity timeout; a channel the server merely hasn't scheduled yet
// is not the client's fault.
func (c *Channel) IsWaitingForClient() bool {
	s := c.TentativeStage()
	return s == StageWaitReadable || s == StageWaitWritable
}

// ForceClose latches the close bit; the channel transitions to Closed at
// the next opportunity, draining a pending response first.
func (c *Channel) ForceClose() {
	c.forceClose.Store(true)
}

// Close transitions to Closed and releases the stream. Idempotent and
// callable without the task mutex; racing transitions are benign because
// Closed is terminal and the garbage collector observes it eventually.
func (c *Channel) Close() {
	c.close("closed")
}

func (c *Channel) close(reason string) {
	if Stage(c.stage.Swap(int32(StageClosed))) == StageClosed {
		return
	}
	log.Debug().Uint64("channel", c.id).Str("reason", reason).Msg("channel closed")
	metrics.IncrCounterWithDimGroup(metrics.NameChannelsClosedTotal, metrics.GroupNitra, 1,
		metrics.Dimension{metrics.DimReason: reason})
	c.stream.Close()
}

// Advance takes the next step in the state machine. Must be called
// under the task mutex; at most one thread may be inside per channel.
func (c *Channel) Advance() {
	stage := c.DefiniteStage()

	if c.forceClose.Load() {
		// Let a queued response drain; everything else closes now.
		switch stage {
		case StageWaitWritable, StageWriteTimeout, StageWrite, StageClosed:
		default:
			c.close("forced")
			return
		}
	}

	switch stage {
	case StageWaitReadable:
		c.onWaitReadable()
	case StageReadTimeout:
		c.onReadTimeout()
	case StageRead:
		c.onRead()
	case StageProcess:
		c.onProcess()
	case StageWaitWritable:
		c.onWaitWritable()
	case StageWriteTimeout:
		c.onWriteTimeout()
	case StageWrite:
		c.onWrite()
	case StageClosed:
		// Terminal; nothing to do.
	}
}

// onWaitReadable probes the read throttler so a starved channel parks
// itself on a refill deadline instead of bouncing off the poller.
func (c *Channel) onWaitReadable() {
	info := c.throttlers.Read.GetInfo()
	if info.Quota == 0 {
		c.deferForThrottle(StageReadTimeout, info.FillTime, "read")
	}
}

func (c *Channel) onWaitWritable() {
	info := c.throttlers.Write.GetInfo()
	if info.Quota == 0 {
		c.deferForThrottle(StageWriteTimeout, info.FillTime, "write")
	}
}

func (c *Channel) deferForThrottle(s Stage, fillTime time.Time, dir string) {
	metrics.IncrCounterWithDimGroup(metrics.NameThrottleDeferTotal, metrics.GroupNitra, 1,
		metrics.Dimension{metrics.DimDir: dir})
	log.Trace().Uint64("channel", c.id).Str("dir", dir).Time("wakeup", fillTime).Msg("throttled")
	c.setRequestedTimeout(fillTime)
	c.SetStage(s)
}

func (c *Channel) onReadTimeout() {
	if time.Now().UnixNano() < c.timeout.Load() {
		return
	}
	info := c.throttlers.Read.GetInfo()
	if info.Quota == 0 {
		// Still starved; the master bucket may have been drained by
		// other channels in the meantime.
		c.setRequestedTimeout(info.FillTime)
		return
	}
	c.clearRequestedTimeout()
	c.SetStage(StageRead)
}

func (c *Channel) onWriteTimeout() {
	if time.Now().UnixNano() < c.timeout.Load() {
		return
	}
	info := c.throttlers.Write.GetInfo()
	if info.Quota == 0 {
		c.setRequestedTimeout(info.FillTime)
		return
	}
	c.clearRequestedTimeout()
	c.SetStage(StageWrite)
}

// onRead performs one non-blocking read of at most the permitted byte
// count into the request buffer.
func (c *Channel) onRead() {
	info := c.throttlers.Read.GetInfo()
	if info.Quota == 0 {
		c.deferForThrottle(StageReadTimeout, info.FillTime, "read")
		return
	}

	max := len(c.readBuf)
	if info.Quota < max {
		max = info.Quota
	}

	n, err := c.stream.Read(c.readBuf[:max])
	switch {
	case err == stream.ErrWouldBlock:
		c.clearRequestedTimeout()
		c.SetStage(StageWaitReadable)
		return
	case err == io.EOF:
		c.close("eof")
		return
	case err != nil:
		log.Warn().Uint64("channel", c.id).Err(err).Msg("read failed")
		c.close("read_error")
		return
	}

	c.throttlers.Read.Consume(n)
	metrics.IncrCounterWithDimGroup(metrics.NameChannelBytesTotal, metrics.GroupNitra, metrics.Value(n),
		metrics.Dimension{metrics.DimDir: "read"})

	headWasComplete := c.request.HeadComplete()
	c.request.append(c.readBuf[:n])

	if !headWasComplete {
		if !c.request.HeadComplete() {
			// Need more head bytes.
			c.SetStage(StageWaitReadable)
			return
		}
		c.logNewRequest()
		if c.autoFetchContent && !c.request.ContentComplete() {
			c.fetchingContent = true
			c.SetStage(StageWaitReadable)
			return
		}
		c.fetchingContent = false
		c.SetStage(StageProcess)
		return
	}

	// Body phase.
	if c.request.ContentComplete() {
		c.fetchingContent = false
		c.SetStage(StageProcess)
	} else {
		c.SetStage(StageWaitReadable)
	}
}

func (c *Channel) logNewRequest() {
	log.Debug().Uint64("channel", c.id).
		Int("headBytes", len(c.request.Head())).
		Int("contentLength", c.request.ContentLength()).
		Msg("new request")
}

// onProcess invokes the protocol handler and applies its directive.
func (c *Channel) onProcess() {
	ctl, err := c.invokeHandler()
	if err != nil {
		c.sendInternalError(err)
		return
	}

	switch ctl {
	case FetchContent:
		if c.request.ContentComplete() {
			// Body already buffered; run the handler again with it.
			return
		}
		c.fetchingContent = true
		c.SetStage(StageRead)
	case RejectContent:
		c.fetchingContent = false
		c.SetStage(StageWaitWritable)
	case SendResponse:
		c.SetStage(StageWaitWritable)
	default:
		c.sendInternalError(fmt.Errorf("invalid control directive %d", ctl))
	}
}

func (c *Channel) invokeHandler() (ctl Control, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler.Process(&c.request, &c.response)
}

// sendInternalError queues a canned error reply and latches the close
// bit so the channel drains it and then dies.
func (c *Channel) sendInternalError(err error) {
	log.Error().Uint64("channel", c.id).Err(err).Msg("handler failed")

	c.response.reset()
	c.response.Write(internalErrorPayload)
	c.response.SetKeepAlive(false)
	c.forceClose.Store(true)
	c.SetStage(StageWaitWritable)
}

// onWrite performs one non-blocking write of at most the permitted byte
// count from the response buffer.
func (c *Channel) onWrite() {
	pending := c.response.Pending()
	if len(pending) == 0 {
		c.finishExchange()
		return
	}

	info := c.throttlers.Write.GetInfo()
	if info.Quota == 0 {
		c.deferForThrottle(StageWriteTimeout, info.FillTime, "write")
		return
	}

	max := len(pending)
	if info.Quota < max {
		max = info.Quota
	}

	n, err := c.stream.Write(pending[:max])
	switch {
	case err == stream.ErrWouldBlock:
		c.clearRequestedTimeout()
		c.SetStage(StageWaitWritable)
		return
	case err != nil:
		log.Warn().Uint64("channel", c.id).Err(err).Msg("write failed")
		c.close("write_error")
		return
	}

	c.throttlers.Write.Consume(n)
	metrics.IncrCounterWithDimGroup(metrics.NameChannelBytesTotal, metrics.GroupNitra, metrics.Value(n),
		metrics.Dimension{metrics.DimDir: "write"})
	c.response.consume(n)

	if c.response.Flushed() {
		c.finishExchange()
	} else {
		c.SetStage(StageWaitWritable)
	}
}

// finishExchange ends the current request/response cycle: close the
// channel, or loop back for the next request on a keep-alive
// connection.
func (c *Channel) finishExchange() {
	if c.forceClose.Load() || !c.response.KeepAlive() {
		c.close("done")
		return
	}

	c.request.reset()
	c.response.reset()
	c.fetchingContent = false
	c.clearRequestedTimeout()
	c.SetStage(StageWaitReadable)
}

// Package throttle implements the leaky-bucket byte throttler used to
// bound per-channel and process-wide transfer rates. Quota refills
// continuously with time; a drained bucket yields an absolute refill
// instant instead of blocking, so callers defer work via deadlines
// rather than sleeps.
package throttle

import (
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Info is a point-in-time snapshot of a bucket.
type Info struct {
	// Quota is the number of bytes that may be consumed right now.
	Quota int
	// Capacity is the maximum quota the bucket can hold.
	Capacity int
	// Full reports whether Quota equals Capacity.
	Full bool
	// FillTime is the absolute instant at which, at the current fill
	// rate, the bucket will be full again.
	FillTime time.Time
}

// Bucket is a thread-safe leaky-bucket byte limiter. The underlying
// limiter is held behind an atomic pointer so that Reload and Adopt are
// race-free against concurrent queries, allowing rate changes to be
// observed immediately by all channels sharing the bucket.
type Bucket struct {
	limiter atomic.Pointer[rate.Limiter]
}

// New creates a bucket that starts full and refills at bytesPerSec up to
// capacity bytes.
func New(bytesPerSec float64, capacity int) *Bucket {
	b := &Bucket{}
	b.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSec), capacity))
	return b
}

// Unlimited creates a bucket with effectively infinite capacity; its
// quota never runs out.
func Unlimited() *Bucket {
	b := &Bucket{}
	b.limiter.Store(rate.NewLimiter(rate.Inf, math.MaxInt32))
	return b
}

// Reload replaces the bucket's rate and capacity at runtime. Concurrent
// queries observe either the old or the new limiter, never a torn state.
func (b *Bucket) Reload(bytesPerSec float64, capacity int) {
	b.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSec), capacity))
}

// Adopt replaces this bucket's limiter with other's current limiter.
// Used to swap a shared master bucket's rate in place while every
// channel keeps its reference.
func (b *Bucket) Adopt(other *Bucket) {
	b.limiter.Store(other.limiter.Load())
}

// IsUnlimited reports whether the bucket never throttles.
func (b *Bucket) IsUnlimited() bool {
	return b.limiter.Load().Limit() == rate.Inf
}

// GetInfo snapshots the bucket at the current time.
func (b *Bucket) GetInfo() Info {
	return b.GetInfoAt(time.Now())
}

// GetInfoAt snapshots the bucket as of the given instant.
func (b *Bucket) GetInfoAt(now time.Time) Info {
	lim := b.limiter.Load()

	tokens := lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}

	capacity := lim.Burst()
	quota := int(tokens)
	if quota > capacity {
		quota = capacity
	}

	info := Info{
		Quota:    quota,
		Capacity: capacity,
		Full:     quota >= capacity,
		FillTime: now,
	}

	if !info.Full && lim.Limit() != rate.Inf && lim.Limit() > 0 {
		missing := float64(capacity) - tokens
		refill := time.Duration(missing / float64(lim.Limit()) * float64(time.Second))
		info.FillTime = now.Add(refill)
	}

	return info
}

// Consume deducts n bytes from the quota. The caller must have verified
// n is within the current quota.
func (b *Bucket) Consume(n int) {
	b.limiter.Load().AllowN(time.Now(), n)
}

// Group pairs a channel's dedicated bucket with a shared master bucket.
// The effective permitted byte count is the smaller of the two quotas,
// and the refill deadline is the later of the two fill times.
type Group struct {
	Dedicated *Bucket
	Master    *Bucket
}

// GetInfo combines both buckets at the current time.
func (g *Group) GetInfo() Info {
	return g.GetInfoAt(time.Now())
}

// GetInfoAt combines both buckets as of the given instant.
func (g *Group) GetInfoAt(now time.Time) Info {
	d := g.Dedicated.GetInfoAt(now)
	m := g.Master.GetInfoAt(now)

	info := Info{
		Quota:    d.Quota,
		Capacity: d.Capacity,
		Full:     d.Full && m.Full,
		FillTime: d.FillTime,
	}
	if m.Quota < info.Quota {
		info.Quota = m.Quota
	}
	if m.Capacity < info.Capacity {
		info.Capacity = m.Capacity
	}
	if m.FillTime.After(info.FillTime) {
		info.FillTime = m.FillTime
	}
	return info
}

// Consume deducts n bytes from both buckets.
func (g *Group) Consume(n int) {
	g.Dedicated.Consume(n)
	g.Master.Consume(n)
}

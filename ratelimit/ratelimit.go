// Package ratelimit implements the PGM leaky-bucket rate limiter described
// in spec §4.6, ported from the exact refill/debit/blocking semantics of
// the reference implementation's rate_control.c (pgm_rate_create,
// pgm_rate_check, pgm_rate_check2). Unlike this codebase's tcp.Conn, which
// polls a shared ring buffer with internal.Backoff for lack of a wakeup
// signal, a bucket's refill rate is known exactly, so a blocking Check
// computes the precise deficit-closing sleep instead of polling blindly.
package ratelimit

import (
	"sync"
	"time"
)

// resolution selects the fill granularity: millisecond for high rates,
// second for low rates, matching rate_control.c's threshold of
// rate >= 1000*maxTPDU.
type resolution uint8

const (
	resSecond resolution = iota
	resMillisecond
)

// Bucket is a single leaky bucket. The zero value is not usable; construct
// with New.
type Bucket struct {
	mu sync.Mutex

	ratePerSec  int64
	ratePerMsec int64 // 0 when resolution is per-second
	res         resolution
	iphdrLen    int64

	lastCheck time.Time
	rateLimit int64 // signed, remaining bytes (may go negative)

	now func() time.Time
}

// New constructs a Bucket regulating ratePerSec bytes/sec, debiting an
// additional iphdrLen bytes per checked packet (spec §4.6).
func New(ratePerSec int64, iphdrLen int, maxTPDU int) *Bucket {
	b := &Bucket{
		ratePerSec: ratePerSec,
		iphdrLen:   int64(iphdrLen),
		now:        time.Now,
	}
	if ratePerSec >= int64(1000*maxTPDU) {
		b.res = resMillisecond
		b.ratePerMsec = ratePerSec / 1000
	}
	b.lastCheck = b.now()
	b.rateLimit = b.rateUnit() // bucket starts full, per pgm_rate_create.
	return b
}

// SetClock overrides the time source, for deterministic tests.
func (b *Bucket) SetClock(now func() time.Time) { b.mu.Lock(); b.now = now; b.mu.Unlock() }

func (b *Bucket) periodNanos() int64 {
	if b.res == resMillisecond {
		return int64(time.Millisecond)
	}
	return int64(time.Second)
}

func (b *Bucket) rateUnit() int64 {
	if b.res == resMillisecond {
		return b.ratePerMsec
	}
	return b.ratePerSec
}

// refillLocked advances rateLimit by the bytes earned since lastCheck,
// capped at one period's worth, per rate_control.c pgm_rate_check.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastCheck).Nanoseconds()
	period := b.periodNanos()
	if elapsed <= 0 {
		return
	}
	if elapsed > period {
		elapsed = period
	}
	refill := (b.rateUnit() * elapsed) / period
	b.rateLimit += refill
	b.lastCheck = now
}

// Check debits iphdrLen+n bytes. If the bucket would go negative and
// nonblocking is set, it returns false without debiting. Otherwise, if
// blocking, it spin-sleeps until enough time has passed to cover the
// deficit before committing (spec §4.6 "check").
func (b *Bucket) Check(n int, nonblocking bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked(n, nonblocking)
}

func (b *Bucket) checkLocked(n int, nonblocking bool) bool {
	b.refillLocked(b.now())
	cost := b.iphdrLen + int64(n)
	if b.rateLimit-cost < 0 {
		if nonblocking {
			return false
		}
		b.blockUntilLocked(cost)
	}
	b.rateLimit -= cost
	return true
}

// blockUntilLocked sleeps (while holding the lock, matching the reference's
// spinlock-protected critical section) until the bucket has refilled enough
// to cover cost, assuming no concurrent debits occur.
func (b *Bucket) blockUntilLocked(cost int64) {
	for {
		deficit := cost - b.rateLimit
		if deficit <= 0 {
			return
		}
		unit := b.rateUnit()
		if unit <= 0 {
			return
		}
		wait := time.Duration(deficit*b.periodNanos()/unit) + 1
		time.Sleep(wait)
		b.refillLocked(b.now())
	}
}

// Remaining returns the current signed remaining byte allowance.
func (b *Bucket) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.rateLimit
}

// TwoBucket pairs an aggregate ("major") bucket with a repair-specific
// ("minor") bucket, used for repair traffic that must respect both rates
// (spec §4.6 "check2"). Ordering follows pgm_rate_check2 exactly: the major
// bucket is tested and committed first under its own lock (a blocking wait
// for the major bucket sleeps under that lock); the minor bucket is advanced
// second, and any blocking sleep it needs happens after the major bucket's
// lock is released.
type TwoBucket struct {
	Major *Bucket
	Minor *Bucket
}

// Check2 admits n bytes only if both buckets allow it.
func (t *TwoBucket) Check2(n int, nonblocking bool) bool {
	t.Major.mu.Lock()
	ok := t.Major.checkLocked(n, nonblocking)
	t.Major.mu.Unlock()
	if !ok {
		return false
	}
	return t.Minor.Check(n, nonblocking)
}

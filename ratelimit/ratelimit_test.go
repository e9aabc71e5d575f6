package ratelimit_test

import (
	"testing"
	"time"

	"github.com/soypat/pgm/ratelimit"
)

func TestCheckNonblockingRejectsOverBudget(t *testing.T) {
	b := ratelimit.New(1000, 20, 1500) // 1000 B/s, 20-byte header overhead
	now := time.Now()
	b.SetClock(func() time.Time { return now })

	if !b.Check(500, true) {
		t.Fatal("first 500-byte send within initial budget should be rejected only once exhausted; got false")
	}
	// Bucket started full (1000 bytes) and the first send left 480; no time
	// has passed, so the next 520-byte nonblocking check must fail (property
	// test 7 in spec §8).
	if b.Check(500, true) {
		t.Fatal("second immediate send should exceed the instantaneous budget")
	}
}

func TestCheckRefillsOverTime(t *testing.T) {
	b := ratelimit.New(1000, 0, 1500)
	now := time.Now()
	b.SetClock(func() time.Time { return now })
	b.Check(1000, true) // drain fully

	now = now.Add(time.Second)
	if !b.Check(900, true) {
		t.Fatal("expected refill after one second to admit a 900-byte send")
	}
}

func TestTwoBucketRespectsBothRates(t *testing.T) {
	major := ratelimit.New(10000, 0, 1500)
	minor := ratelimit.New(100, 0, 1500)
	now := time.Now()
	major.SetClock(func() time.Time { return now })
	minor.SetClock(func() time.Time { return now })
	tb := &ratelimit.TwoBucket{Major: major, Minor: minor}

	if !tb.Check2(50, true) {
		t.Fatal("expected small repair send to pass both buckets")
	}
	if tb.Check2(5000, true) {
		t.Fatal("expected large repair send to be blocked by the minor bucket")
	}
}

package heartbeat

import (
	"testing"
	"time"
)

// fakeClock is a settable clock for driving the tracker in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newFakeClock(ms int64) *fakeClock       { return &fakeClock{t: time.UnixMilli(ms)} }

func TestRecordDerivesLatency(t *testing.T) {
	clock := newFakeClock(40000)
	tr := NewTracker(WithClock(clock.now))

	hb := tr.Record(time.UnixMilli(39000), 0)

	if hb.Latency != time.Second {
		t.Errorf("latency = %v, want 1s", hb.Latency)
	}
	if !hb.ReceivedAt.Equal(time.UnixMilli(40000)) {
		t.Errorf("receivedAt = %v", hb.ReceivedAt)
	}
}

func TestRecordClampsNegativeLatency(t *testing.T) {
	clock := newFakeClock(40000)
	tr := NewTracker(WithClock(clock.now))

	// Server clock ahead of local clock.
	hb := tr.Record(time.UnixMilli(50000), 0)

	if hb.Latency != 0 {
		t.Errorf("latency = %v, want 0", hb.Latency)
	}
}

func TestLogBoundedToTen(t *testing.T) {
	clock := newFakeClock(0)
	tr := NewTracker(WithClock(clock.now))

	for i := 0; i < 15; i++ {
		clock.advance(time.Second)
		tr.Record(clock.now(), 0)
	}

	if tr.Len() != 10 {
		t.Fatalf("log length = %d, want 10", tr.Len())
	}

	// Most recent first; the oldest five were dropped.
	snap := tr.Snapshot()
	if !snap[0].ReceivedAt.Equal(time.UnixMilli(15000)) {
		t.Errorf("head = %v, want most recent", snap[0].ReceivedAt)
	}
	if !snap[9].ReceivedAt.Equal(time.UnixMilli(6000)) {
		t.Errorf("tail = %v, want 11th most recent", snap[9].ReceivedAt)
	}
}

func TestSnapshotFlags(t *testing.T) {
	clock := newFakeClock(40000)
	tr := NewTracker(WithClock(clock.now))

	// Received "now" at 40s: recent, not stale.
	tr.Record(time.UnixMilli(1000), 0)

	snap := tr.Snapshot()
	if !snap[0].IsRecent {
		t.Error("fresh heartbeat should be recent")
	}
	if snap[0].IsStale {
		t.Error("fresh heartbeat should not be stale")
	}

	// 61s later the same heartbeat is stale and no longer recent.
	clock.advance(61 * time.Second)
	snap = tr.Snapshot()
	if snap[0].IsRecent {
		t.Error("aged heartbeat should not be recent")
	}
	if !snap[0].IsStale {
		t.Error("aged heartbeat should be stale")
	}
}

func TestStatsHealthyWhileCadenceHeld(t *testing.T) {
	clock := newFakeClock(0)
	tr := NewTracker(WithClock(clock.now))

	// Heartbeats every 30s stay healthy indefinitely.
	for i := 0; i < 6; i++ {
		clock.advance(30 * time.Second)
		tr.Record(clock.now(), 0)

		s := tr.Stats()
		if s.Health != HealthHealthy {
			t.Fatalf("beat %d: health = %s, want healthy", i, s.Health)
		}
		if s.Missed != 0 {
			t.Fatalf("beat %d: missed = %d, want 0", i, s.Missed)
		}
	}
}

func TestStatsWarningAfterSilence(t *testing.T) {
	clock := newFakeClock(0)
	tr := NewTracker(WithClock(clock.now))
	tr.Record(clock.now(), 0)

	clock.advance(36 * time.Second)

	s := tr.Stats()
	if s.Health != HealthWarning {
		t.Errorf("health = %s, want warning after 36s silence", s.Health)
	}
	if s.Recent != 0 {
		t.Errorf("recent = %d, want 0", s.Recent)
	}
}

func TestStatsMissedAfterLongSilence(t *testing.T) {
	clock := newFakeClock(0)
	tr := NewTracker(WithClock(clock.now))
	tr.Record(clock.now(), 0)

	// 96s of silence: floor(96/30)-1 = 2 missed.
	clock.advance(96 * time.Second)

	s := tr.Stats()
	if s.Missed < 2 {
		t.Errorf("missed = %d, want >= 2", s.Missed)
	}
}

func TestStatsNoHeartbeatEver(t *testing.T) {
	clock := newFakeClock(123456)
	tr := NewTracker(WithClock(clock.now))

	s := tr.Stats()
	if s.Missed != 0 {
		t.Errorf("missed = %d, want 0 with empty log", s.Missed)
	}
	if s.Health != HealthWarning {
		t.Errorf("health = %s, want warning with empty log", s.Health)
	}
	if !tr.LastAt().IsZero() {
		t.Error("LastAt should be zero with empty log")
	}
}

func TestStatsProgress(t *testing.T) {
	clock := newFakeClock(0)
	tr := NewTracker(WithClock(clock.now))
	tr.Record(clock.now(), 0)

	clock.advance(15 * time.Second)
	if p := tr.Stats().Progress; p != 0.5 {
		t.Errorf("progress = %v, want 0.5", p)
	}

	clock.advance(time.Hour)
	if p := tr.Stats().Progress; p != 1 {
		t.Errorf("progress = %v, want clamp to 1", p)
	}

	s := tr.Stats()
	if want := time.UnixMilli(30000); !s.NextExpectedAt.Equal(want) {
		t.Errorf("nextExpectedAt = %v, want %v", s.NextExpectedAt, want)
	}
}

func TestRecordZeroTimestampSkipsDerivation(t *testing.T) {
	clock := newFakeClock(1_700_000_000_000)
	tr := NewTracker(WithClock(clock.now))

	hb := tr.Record(time.Time{}, 0)

	if hb.Latency != 0 {
		t.Errorf("latency = %v, want 0 without a server timestamp", hb.Latency)
	}
	if !hb.ReceivedAt.Equal(clock.now()) {
		t.Errorf("receivedAt = %v, want clock time", hb.ReceivedAt)
	}
}

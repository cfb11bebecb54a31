package mesh

import (
	"testing"
	"time"
)

// testReconnector pins the clock and the jitter term so delay
// assertions are exact.
func testReconnector(nowMs *int64, randv float64) *Reconnector {
	r := NewReconnector()
	r.now = func() int64 { return *nowMs }
	r.randf = func() float64 { return randv }
	return r
}

func TestReconnector_Schedule(t *testing.T) {
	nowMs := int64(0)
	r := testReconnector(&nowMs, 0.5) // jitter factor 1.0

	wantDelays := []int64{500, 1000, 2000, 4000, 8000, 16000, 30000}
	for i, want := range wantDelays {
		r.Failure("peer-x")
		if r.Allow("peer-x") {
			t.Fatalf("attempt %d: allowed immediately after failure", i+1)
		}
		nowMs += want - 1
		if r.Allow("peer-x") {
			t.Fatalf("attempt %d: allowed one ms early", i+1)
		}
		nowMs++
		if !r.Allow("peer-x") {
			t.Fatalf("attempt %d: still blocked at +%dms", i+1, want)
		}
	}
}

func TestReconnector_GivesUpAfterMaxAttempts(t *testing.T) {
	nowMs := int64(0)
	r := testReconnector(&nowMs, 0.5)

	for i := 0; i < maxAttempts; i++ {
		nowMs += time.Hour.Milliseconds()
		r.Failure("peer-x")
	}
	if !r.GaveUp("peer-x") {
		t.Fatalf("Expected gave-up state after %d failures", maxAttempts)
	}
	nowMs += time.Hour.Milliseconds()
	if r.Allow("peer-x") {
		t.Errorf("Gave-up peer allowed delivery; waiting out the clock must not revive it")
	}

	// Re-learning the peer is the only way back in.
	r.Reset("peer-x")
	if !r.Allow("peer-x") {
		t.Errorf("Reset peer still blocked")
	}
}

func TestReconnector_SuccessClearsState(t *testing.T) {
	nowMs := int64(0)
	r := testReconnector(&nowMs, 0.5)

	r.Failure("peer-x")
	r.Success("peer-x")
	if !r.Allow("peer-x") {
		t.Errorf("Peer blocked after a successful delivery")
	}
}

func TestReconnector_JitterBounds(t *testing.T) {
	nowMs := int64(0)
	low := testReconnector(&nowMs, 0).delayFor(7)
	high := testReconnector(&nowMs, 1).delayFor(7)
	if low != 27*time.Second || high != 33*time.Second {
		t.Errorf("capped delay bounds = [%v, %v], want [27s, 33s]", low, high)
	}
}

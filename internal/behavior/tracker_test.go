package behavior

import (
	"math"
	"testing"
	"time"
)

func TestTracker_StatsDerivation(t *testing.T) {
	tr := NewTracker(time.Hour)

	tr.RecordResult("agent-1", 400, 0, "", false)
	tr.RecordResult("agent-1", 600, 120, "hash-a", true)
	tr.RecordResult("agent-1", 800, 80, "hash-a", true)
	tr.RecordResult("agent-1", 1000, 40, "hash-a", true)
	tr.RecordSignatureFailure("agent-1")
	tr.RecordReplay("agent-1")
	tr.RecordReplay("agent-1")
	tr.RecordRegistration("agent-1")
	tr.RecordClaim("agent-1", 2)
	tr.RecordClaim("agent-1", 5)
	tr.RecordRequeue("agent-1")
	tr.RecordHeartbeatGap("agent-1", 90_000)

	s := tr.Stats("agent-1")
	if s.TasksTotal != 4 || s.TasksSucceeded != 3 || s.TasksEmpty != 1 {
		t.Fatalf("task counts: %+v", s)
	}
	if s.SuspiciouslyFast != 1 {
		t.Fatalf("fast count %d, want 1", s.SuspiciouslyFast)
	}
	if s.IdenticalRun != 3 {
		t.Fatalf("identical run %d, want 3", s.IdenticalRun)
	}
	if s.DurationMinMs != 400 {
		t.Fatalf("min duration %d, want 400", s.DurationMinMs)
	}
	if s.DurationMeanMs != 700 {
		t.Fatalf("mean duration %v, want 700", s.DurationMeanMs)
	}
	// Population stddev of {400,600,800,1000}.
	if want := math.Sqrt(50_000); math.Abs(s.DurationStddevMs-want) > 1e-9 {
		t.Fatalf("stddev %v, want %v", s.DurationStddevMs, want)
	}
	if s.AvgOutputLen != 80 {
		t.Fatalf("avg output %v, want 80 over successes", s.AvgOutputLen)
	}
	if s.SignatureFailures != 1 || s.ReplayAttempts != 2 {
		t.Fatalf("abuse counts: %+v", s)
	}
	if s.Registrations != 1 || s.ClaimCount != 2 || s.Requeues != 1 {
		t.Fatalf("lifecycle counts: %+v", s)
	}
	if s.ConcurrentClaims != 5 {
		t.Fatalf("concurrent claims %d, want max 5", s.ConcurrentClaims)
	}
	if s.MaxHeartbeatGapMs != 90_000 {
		t.Fatalf("heartbeat gap %d, want 90000", s.MaxHeartbeatGapMs)
	}
}

func TestTracker_IdenticalRunResets(t *testing.T) {
	tr := NewTracker(time.Hour)
	hashes := []string{"a", "a", "b", "b", "b", "a"}
	for _, h := range hashes {
		tr.RecordResult("agent-1", 700, 30, h, true)
	}
	if s := tr.Stats("agent-1"); s.IdenticalRun != 3 {
		t.Fatalf("identical run %d, want 3", s.IdenticalRun)
	}

	// Empty hashes never extend a run.
	tr2 := NewTracker(time.Hour)
	for i := 0; i < 4; i++ {
		tr2.RecordResult("agent-2", 700, 0, "", false)
	}
	if s := tr2.Stats("agent-2"); s.IdenticalRun != 1 {
		t.Fatalf("empty-hash run %d, want 1", s.IdenticalRun)
	}
}

func TestTracker_WindowPruning(t *testing.T) {
	tr := NewTracker(time.Hour)
	base := int64(1_700_000_000_000)
	clock := base
	tr.now = func() int64 { return clock }

	tr.RecordResult("agent-1", 700, 30, "old", true)
	tr.RecordSignatureFailure("agent-1")

	clock = base + tr.windowMs + 1
	tr.RecordResult("agent-1", 900, 30, "new", true)

	s := tr.Stats("agent-1")
	if s.TasksTotal != 1 || s.SignatureFailures != 0 {
		t.Fatalf("stats after pruning: %+v", s)
	}

	// Registrations age out on the tighter storm window.
	tr.RecordRegistration("agent-1")
	clock += registrationWindowMs + 1
	if s := tr.Stats("agent-1"); s.Registrations != 0 {
		t.Fatalf("storm count %d, want 0 after storm window", s.Registrations)
	}
}

func TestTracker_ForgetsIdleAgents(t *testing.T) {
	tr := NewTracker(time.Hour)
	base := int64(1_700_000_000_000)
	clock := base
	tr.now = func() int64 { return clock }

	tr.RecordResult("agent-1", 700, 30, "h", true)
	if got := tr.TrackedAgents(); len(got) != 1 {
		t.Fatalf("tracked %v", got)
	}

	clock = base + tr.windowMs + 1
	tr.Stats("agent-1")
	if got := tr.TrackedAgents(); len(got) != 0 {
		t.Fatalf("idle agent retained: %v", got)
	}
}

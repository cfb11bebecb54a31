package scheduler

import (
	"testing"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

func cpuAgent(id string) models.AgentInfo {
	return models.AgentInfo{AgentID: id, ResourceClass: models.ResourceCPU}
}

func enqueueN(t *testing.T, q *Queue, meta models.ProjectMeta, n int, startMs int64) {
	t.Helper()
	subs := make([]models.Subtask, n)
	for i := range subs {
		subs[i] = models.Subtask{
			ID:           meta.ProjectID + "-" + string(rune('0'+i)),
			EnqueuedAtMs: startMs + int64(i),
		}
	}
	if err := q.Enqueue(meta, subs, startMs); err != nil {
		t.Fatalf("Enqueue(%s): %v", meta.ProjectID, err)
	}
}

func TestQueue_FairShareAlternates(t *testing.T) {
	q := NewQueue(100)
	enqueueN(t, q, models.ProjectMeta{ProjectID: "proj-a", ResourceClass: models.ResourceCPU}, 6, 100)
	enqueueN(t, q, models.ProjectMeta{ProjectID: "proj-b", ResourceClass: models.ResourceCPU}, 4, 200)

	agents := []models.AgentInfo{
		cpuAgent("agent-1"), cpuAgent("agent-2"), cpuAgent("agent-3"),
		cpuAgent("agent-4"), cpuAgent("agent-5"),
	}

	var order []string
	claimsBy := make(map[string]int)
	for round := 0; round < 2; round++ {
		for _, agent := range agents {
			st, ok := q.Claim(agent, 1000)
			if !ok {
				t.Fatalf("Claim returned no work with %d open", q.Depth())
			}
			order = append(order, st.ProjectMeta.ProjectID)
			claimsBy[agent.AgentID]++
			if _, err := q.Complete(st.ID, agent.AgentID); err != nil {
				t.Fatalf("Complete: %v", err)
			}
		}
	}

	want := []string{
		"proj-a", "proj-b", "proj-a", "proj-b", "proj-a",
		"proj-b", "proj-a", "proj-b", "proj-a", "proj-a",
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim %d went to %s, want %s (full order %v)", i, order[i], want[i], order)
		}
	}

	completions := q.Completions()
	if completions["proj-a"] != 6 || completions["proj-b"] != 4 {
		t.Errorf("completions = %v, want proj-a:6 proj-b:4", completions)
	}
	for agent, n := range claimsBy {
		if n != 2 {
			t.Errorf("%s claimed %d tasks, want 2", agent, n)
		}
	}
	if q.Depth() != 0 {
		t.Errorf("Depth = %d after draining, want 0", q.Depth())
	}
}

func TestQueue_PriorityBreaksCompletionTies(t *testing.T) {
	q := NewQueue(100)
	enqueueN(t, q, models.ProjectMeta{ProjectID: "low", Priority: 1, ResourceClass: models.ResourceCPU}, 1, 100)
	enqueueN(t, q, models.ProjectMeta{ProjectID: "high", Priority: 9, ResourceClass: models.ResourceCPU}, 1, 200)

	st, ok := q.Claim(cpuAgent("agent-1"), 1000)
	if !ok || st.ProjectMeta.ProjectID != "high" {
		t.Errorf("Claimed %s, want the higher-priority project", st.ProjectMeta.ProjectID)
	}
}

func TestQueue_FIFOWithinProject(t *testing.T) {
	q := NewQueue(100)
	meta := models.ProjectMeta{ProjectID: "p", ResourceClass: models.ResourceCPU}
	enqueueN(t, q, meta, 3, 100)

	for i, wantID := range []string{"p-0", "p-1", "p-2"} {
		st, ok := q.Claim(cpuAgent("agent-1"), 1000)
		if !ok || st.ID != wantID {
			t.Fatalf("claim %d = %s, want %s", i, st.ID, wantID)
		}
	}
}

func TestQueue_FullRejectsWholeBatch(t *testing.T) {
	q := NewQueue(3)
	meta := models.ProjectMeta{ProjectID: "p", ResourceClass: models.ResourceCPU}
	enqueueN(t, q, meta, 2, 100)

	err := q.Enqueue(meta, []models.Subtask{{ID: "x1"}, {ID: "x2"}}, 200)
	if protocol.KindOf(err) != protocol.KindQueueFull {
		t.Fatalf("kind = %q, want %q", protocol.KindOf(err), protocol.KindQueueFull)
	}
	// Nothing from the rejected batch was admitted.
	if q.Depth() != 2 {
		t.Errorf("Depth = %d, want 2", q.Depth())
	}
	if err := q.Enqueue(meta, []models.Subtask{{ID: "x1"}}, 300); err != nil {
		t.Errorf("Enqueue up to the cap failed: %v", err)
	}
}

func TestQueue_RequeueBudget(t *testing.T) {
	q := NewQueue(10)
	meta := models.ProjectMeta{ProjectID: "p", ResourceClass: models.ResourceCPU}
	enqueueN(t, q, meta, 1, 100)
	agent := cpuAgent("agent-1")

	for i := 1; i <= 3; i++ {
		st, ok := q.Claim(agent, 1000)
		if !ok {
			t.Fatalf("requeue %d: no work", i)
		}
		got, didFail, err := q.Requeue(st.ID, 3)
		if err != nil || didFail {
			t.Fatalf("requeue %d: failed=%v err=%v", i, didFail, err)
		}
		if got.Requeues != i || got.Status != models.SubtaskQueued {
			t.Fatalf("requeue %d: %+v", i, got)
		}
	}

	st, _ := q.Claim(agent, 1000)
	got, didFail, err := q.Requeue(st.ID, 3)
	if err != nil || !didFail {
		t.Fatalf("fourth requeue: failed=%v err=%v", didFail, err)
	}
	if got.Status != models.SubtaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if _, ok := q.Get(st.ID); ok {
		t.Errorf("Failed subtask still open")
	}
}

func TestQueue_SweepTimeoutBoundary(t *testing.T) {
	q := NewQueue(10)
	meta := models.ProjectMeta{ProjectID: "p", ResourceClass: models.ResourceCPU}
	if err := q.Enqueue(meta, []models.Subtask{{ID: "st-1", TimeoutMs: 1000}}, 0); err != nil {
		t.Fatal(err)
	}
	q.Claim(cpuAgent("agent-1"), 0)

	if out := q.SweepTimeouts(999, 60000, 3); len(out) != 0 {
		t.Fatalf("Sweep fired one ms before the timeout")
	}
	out := q.SweepTimeouts(1000, 60000, 3)
	if len(out) != 1 || out[0].Subtask.ID != "st-1" || out[0].Failed {
		t.Fatalf("Sweep at the boundary = %+v, want [st-1]", out)
	}
	if out[0].Holder != "agent-1" {
		t.Errorf("Holder = %q, want agent-1", out[0].Holder)
	}
	st, _ := q.Get("st-1")
	if st.Status != models.SubtaskQueued || st.Requeues != 1 {
		t.Errorf("after sweep: %+v", st)
	}
}

func TestQueue_ServeConstraints(t *testing.T) {
	q := NewQueue(10)
	gpuMeta := models.ProjectMeta{ProjectID: "gpu-proj", ResourceClass: models.ResourceGPU}
	if err := q.Enqueue(gpuMeta, []models.Subtask{{ID: "g-1", RequiredModel: "codellama-13b"}}, 100); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name  string
		agent models.AgentInfo
		want  bool
	}{
		{"cpu agent refused gpu work", models.AgentInfo{AgentID: "a", ResourceClass: models.ResourceCPU, Models: []string{"codellama-13b"}}, false},
		{"gpu agent without the model", models.AgentInfo{AgentID: "b", ResourceClass: models.ResourceGPU, Models: []string{"other"}}, false},
		{"gpu agent with the model", models.AgentInfo{AgentID: "c", ResourceClass: models.ResourceGPU, Models: []string{"codellama-13b"}}, true},
	}
	for _, tc := range cases {
		_, ok := q.Claim(tc.agent, 1000)
		if ok != tc.want {
			t.Errorf("%s: claimed=%v, want %v", tc.name, ok, tc.want)
		}
		if ok {
			q.Requeue("g-1", 3)
		}
	}
}

func TestQueue_RequeuedKeepsPlaceInLine(t *testing.T) {
	q := NewQueue(10)
	meta := models.ProjectMeta{ProjectID: "p", ResourceClass: models.ResourceCPU}
	enqueueN(t, q, meta, 3, 100)
	agent := cpuAgent("agent-1")

	// Claim the oldest, requeue it; it must come back first, not last.
	st, _ := q.Claim(agent, 1000)
	if st.ID != "p-0" {
		t.Fatalf("claimed %s first, want p-0", st.ID)
	}
	q.Requeue(st.ID, 3)
	st, _ = q.Claim(agent, 1000)
	if st.ID != "p-0" {
		t.Errorf("requeued subtask lost its place, got %s", st.ID)
	}
}

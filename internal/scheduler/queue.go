package scheduler

import (
	"sync"

	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

// Queue holds every open subtask. Claimed subtasks stay in the queue
// (status flipped, off the ready list) so a vanished worker surfaces as
// a timeout and a requeue instead of lost work. All mutations run under
// one mutex; selection is a scan over the handful of live projects.
type Queue struct {
	mu       sync.Mutex
	maxDepth int
	projects map[string]*projectState
	tasks    map[string]*models.Subtask
	open     int
}

type projectState struct {
	meta        models.ProjectMeta
	completions int
	ready       []*models.Subtask // status queued, ascending enqueuedAtMs
}

func NewQueue(maxDepth int) *Queue {
	return &Queue{
		maxDepth: maxDepth,
		projects: make(map[string]*projectState),
		tasks:    make(map[string]*models.Subtask),
	}
}

// Enqueue adds subtasks under one project. Fails queue_full when the cap
// would be exceeded; nothing is admitted partially.
func (q *Queue) Enqueue(meta models.ProjectMeta, subs []models.Subtask, nowMs int64) error {
	if len(subs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxDepth > 0 && q.open+len(subs) > q.maxDepth {
		return protocol.Ef(protocol.KindQueueFull, "queue depth %d would exceed cap %d", q.open+len(subs), q.maxDepth)
	}

	p, ok := q.projects[meta.ProjectID]
	if !ok {
		p = &projectState{meta: meta}
		q.projects[meta.ProjectID] = p
	} else {
		p.meta = meta
	}
	for i := range subs {
		st := subs[i]
		st.ProjectMeta = meta
		st.Status = models.SubtaskQueued
		if st.EnqueuedAtMs == 0 {
			st.EnqueuedAtMs = nowMs
		}
		stored := st
		q.tasks[st.ID] = &stored
		p.insertReady(&stored)
		q.open++
	}
	return nil
}

// Restore reloads open subtasks from persistence at boot. Claimed entries
// come back claimed; the timeout sweep requeues stale ones.
func (q *Queue) Restore(subs []models.Subtask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range subs {
		st := subs[i]
		if st.Status != models.SubtaskQueued && st.Status != models.SubtaskClaimed {
			continue
		}
		if _, exists := q.tasks[st.ID]; exists {
			continue
		}
		p, ok := q.projects[st.ProjectMeta.ProjectID]
		if !ok {
			p = &projectState{meta: st.ProjectMeta}
			q.projects[st.ProjectMeta.ProjectID] = p
		}
		stored := st
		q.tasks[st.ID] = &stored
		if st.Status == models.SubtaskQueued {
			p.insertReady(&stored)
		}
		q.open++
	}
}

// serves reports whether an agent can run a subtask: the required model
// must be offered and gpu work needs a gpu agent.
func serves(agent models.AgentInfo, st *models.Subtask) bool {
	if st.ProjectMeta.ResourceClass == models.ResourceGPU && agent.ResourceClass != models.ResourceGPU {
		return false
	}
	if st.RequiredModel == "" {
		return true
	}
	for _, m := range agent.Models {
		if m == st.RequiredModel {
			return true
		}
	}
	return false
}

// Claim picks the fairest servable subtask for the agent: fewest project
// completions first, then higher priority, then oldest enqueue. Returns
// false when nothing claimable is ready.
func (q *Queue) Claim(agent models.AgentInfo, nowMs int64) (models.Subtask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		bestProj *projectState
		bestIdx  int
	)
	for _, p := range q.projects {
		idx := -1
		for i, st := range p.ready {
			if serves(agent, st) {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		if bestProj == nil || fairer(p, p.ready[idx], bestProj, bestProj.ready[bestIdx]) {
			bestProj, bestIdx = p, idx
		}
	}
	if bestProj == nil {
		return models.Subtask{}, false
	}

	st := bestProj.ready[bestIdx]
	bestProj.ready = append(bestProj.ready[:bestIdx], bestProj.ready[bestIdx+1:]...)
	st.Status = models.SubtaskClaimed
	st.ClaimedBy = agent.AgentID
	st.ClaimedAtMs = nowMs
	return *st, true
}

// fairer orders candidate (pa, sa) before (pb, sb).
func fairer(pa *projectState, sa *models.Subtask, pb *projectState, sb *models.Subtask) bool {
	if pa.completions != pb.completions {
		return pa.completions < pb.completions
	}
	if pa.meta.Priority != pb.meta.Priority {
		return pa.meta.Priority > pb.meta.Priority
	}
	if sa.EnqueuedAtMs != sb.EnqueuedAtMs {
		return sa.EnqueuedAtMs < sb.EnqueuedAtMs
	}
	return pa.meta.ProjectID < pb.meta.ProjectID
}

// Complete retires a claimed subtask and bumps its project's completion
// count.
func (q *Queue) Complete(subtaskID, agentID string) (models.Subtask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st, ok := q.tasks[subtaskID]
	if !ok {
		return models.Subtask{}, protocol.Ef(protocol.KindNotFound, "subtask %s is not open", subtaskID)
	}
	if st.Status != models.SubtaskClaimed || st.ClaimedBy != agentID {
		return models.Subtask{}, protocol.Ef(protocol.KindBadRequest, "subtask %s is not claimed by %s", subtaskID, agentID)
	}

	delete(q.tasks, subtaskID)
	q.open--
	st.Status = models.SubtaskCompleted
	if p, ok := q.projects[st.ProjectMeta.ProjectID]; ok {
		p.completions++
	}
	return *st, nil
}

// Requeue returns a claimed subtask to the ready list, or fails it once
// the requeue budget is spent. The second return reports the failure.
func (q *Queue) Requeue(subtaskID string, maxRequeues int) (models.Subtask, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, _, didFail, err := q.requeueLocked(subtaskID, maxRequeues)
	return st, didFail, err
}

// requeueLocked returns the subtask, the agent whose claim was taken
// back, and whether the requeue budget is now exhausted.
func (q *Queue) requeueLocked(subtaskID string, maxRequeues int) (models.Subtask, string, bool, error) {
	st, ok := q.tasks[subtaskID]
	if !ok {
		return models.Subtask{}, "", false, protocol.Ef(protocol.KindNotFound, "subtask %s is not open", subtaskID)
	}
	if st.Status != models.SubtaskClaimed {
		return models.Subtask{}, "", false, protocol.Ef(protocol.KindBadRequest, "subtask %s is not claimed", subtaskID)
	}

	holder := st.ClaimedBy
	st.Requeues++
	st.ClaimedBy = ""
	st.ClaimedAtMs = 0
	if st.Requeues > maxRequeues {
		st.Status = models.SubtaskFailed
		delete(q.tasks, subtaskID)
		q.open--
		return *st, holder, true, nil
	}
	st.Status = models.SubtaskQueued
	if p, ok := q.projects[st.ProjectMeta.ProjectID]; ok {
		p.insertReady(st)
	}
	return *st, holder, false, nil
}

// TimedOut is one claim the timeout sweep took back.
type TimedOut struct {
	Subtask models.Subtask
	Holder  string
	Failed  bool
}

// SweepTimeouts requeues every claimed subtask whose claim outlived its
// timeout, using defaultTimeoutMs for subtasks that carry none.
func (q *Queue) SweepTimeouts(nowMs, defaultTimeoutMs int64, maxRequeues int) []TimedOut {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stale []string
	for id, st := range q.tasks {
		if st.Status != models.SubtaskClaimed {
			continue
		}
		timeout := st.TimeoutMs
		if timeout <= 0 {
			timeout = defaultTimeoutMs
		}
		if nowMs-st.ClaimedAtMs >= timeout {
			stale = append(stale, id)
		}
	}
	var out []TimedOut
	for _, id := range stale {
		st, holder, didFail, err := q.requeueLocked(id, maxRequeues)
		if err != nil {
			continue
		}
		out = append(out, TimedOut{Subtask: st, Holder: holder, Failed: didFail})
	}
	return out
}

// Get returns a copy of one open subtask.
func (q *Queue) Get(subtaskID string) (models.Subtask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.tasks[subtaskID]
	if !ok {
		return models.Subtask{}, false
	}
	return *st, true
}

// Counts reports open subtasks by state.
func (q *Queue) Counts() (queued, claimed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, st := range q.tasks {
		if st.Status == models.SubtaskQueued {
			queued++
		} else {
			claimed++
		}
	}
	return queued, claimed
}

// Depth is the number of open subtasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.open
}

// Completions snapshots per-project completion counts.
func (q *Queue) Completions() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.projects))
	for id, p := range q.projects {
		out[id] = p.completions
	}
	return out
}

// Snapshot copies every open subtask.
func (q *Queue) Snapshot() []models.Subtask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Subtask, 0, len(q.tasks))
	for _, st := range q.tasks {
		out = append(out, *st)
	}
	return out
}

// insertReady keeps the ready list ordered by enqueuedAtMs so requeued
// work regains its original place in line.
func (p *projectState) insertReady(st *models.Subtask) {
	i := len(p.ready)
	for i > 0 && p.ready[i-1].EnqueuedAtMs > st.EnqueuedAtMs {
		i--
	}
	p.ready = append(p.ready, nil)
	copy(p.ready[i+1:], p.ready[i:])
	p.ready[i] = st
}

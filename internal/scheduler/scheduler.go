// Package scheduler implements fair-share task distribution: a project
// with fewer completions always claims ahead of one with more, so a
// large tenant cannot starve a small one.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/internal/store"
	"github.com/edgecoder/coordinator/pkg/models"
)

// Recorder receives queue lifecycle events for the ordering chain.
type Recorder func(eventType string, st models.Subtask, agentID string)

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Store   store.Store

	QueueMaxDepth int
	MaxRequeues   int
	ClaimTimeout  time.Duration
	Heartbeat     time.Duration

	SubmitLimit  int
	SubmitWindow time.Duration
	ClaimLimit   int
	ClaimWindow  time.Duration

	// Blacklisted gates claims; nil means nobody is blacklisted.
	Blacklisted func(agentID string) bool
	// Attest classifies a registration's release binding; nil means
	// every agent registers as unverified.
	Attest func(reg models.AgentRegistration) string
}

type Scheduler struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	store   store.Store

	queue     *Queue
	agents    *Registry
	submitWin *SlidingWindow
	claimWin  *SlidingWindow

	maxRequeues  int
	claimTimeout time.Duration
	sweepEvery   time.Duration

	blacklisted func(agentID string) bool
	attest      func(reg models.AgentRegistration) string
	record      Recorder
	observe     func(event string, data any)
	now         func() int64
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		log:          opts.Log,
		metrics:      opts.Metrics,
		store:        opts.Store,
		queue:        NewQueue(opts.QueueMaxDepth),
		agents:       NewRegistry(opts.Heartbeat),
		submitWin:    NewSlidingWindow(opts.SubmitLimit, opts.SubmitWindow),
		claimWin:     NewSlidingWindow(opts.ClaimLimit, opts.ClaimWindow),
		maxRequeues:  opts.MaxRequeues,
		claimTimeout: opts.ClaimTimeout,
		sweepEvery:   15 * time.Second,
		blacklisted:  opts.Blacklisted,
		attest:       opts.Attest,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
	if s.blacklisted == nil {
		s.blacklisted = func(string) bool { return false }
	}
	return s
}

// SetRecorder installs the ordering-chain hook for lifecycle events.
func (s *Scheduler) SetRecorder(fn Recorder) { s.record = fn }

// SetEventSink installs the live-stream observer.
func (s *Scheduler) SetEventSink(fn func(event string, data any)) { s.observe = fn }

// SetSweepInterval overrides the requeue sweep cadence.
func (s *Scheduler) SetSweepInterval(d time.Duration) {
	if d > 0 {
		s.sweepEvery = d
	}
}

func (s *Scheduler) emitRecord(eventType string, st models.Subtask, agentID string) {
	if s.record != nil {
		s.record(eventType, st, agentID)
	}
	if s.observe != nil {
		s.observe(eventType, map[string]any{"subtaskId": st.ID, "agentId": agentID})
	}
}

// Restore reloads open work from persistence at boot.
func (s *Scheduler) Restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	subs, err := s.store.ListOpenSubtasks(ctx)
	if err != nil {
		s.log.Warn("Open subtask reload failed", zap.Error(err))
		return
	}
	s.queue.Restore(subs)
	s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	if len(subs) > 0 {
		s.log.Info("Restored open subtasks", zap.Int("count", len(subs)))
	}
}

// SubmitProject enqueues a project's subtasks, one submission-limiter
// hit per call regardless of batch size.
func (s *Scheduler) SubmitProject(ctx context.Context, accountID string, meta models.ProjectMeta, subs []models.Subtask) ([]models.Subtask, error) {
	if meta.ProjectID == "" || len(subs) == 0 {
		return nil, protocol.Ef(protocol.KindBadRequest, "projectId and at least one subtask are required")
	}
	if !s.submitWin.Allow(accountID) {
		return nil, protocol.Ef(protocol.KindRateLimited, "submission limit reached for %s", accountID)
	}

	nowMs := s.now()
	for i := range subs {
		if subs[i].ID == "" {
			subs[i].ID = uuid.NewString()
		}
		if subs[i].TaskID == "" {
			subs[i].TaskID = subs[i].ID
		}
	}
	if err := s.queue.Enqueue(meta, subs, nowMs); err != nil {
		return nil, err
	}

	for i := range subs {
		st, _ := s.queue.Get(subs[i].ID)
		if s.store != nil {
			if err := s.store.SaveSubtask(ctx, st); err != nil {
				s.log.Warn("Subtask persistence failed", zap.String("subtaskId", st.ID), zap.Error(err))
			}
		}
		s.emitRecord(models.EventTaskEnqueued, st, "")
	}
	s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	s.log.Info("Project submitted",
		zap.String("projectId", meta.ProjectID),
		zap.Int("subtasks", len(subs)),
		zap.Int("priority", meta.Priority))
	return subs, nil
}

// RegisterAgent admits or refreshes an agent, attesting its release
// binding when a verifier is installed.
func (s *Scheduler) RegisterAgent(ctx context.Context, reg models.AgentRegistration) (models.AgentInfo, error) {
	attestation := models.AttestUnverified
	if s.attest != nil {
		attestation = s.attest(reg)
	}
	info, err := s.agents.Register(reg, attestation)
	if err != nil {
		return models.AgentInfo{}, err
	}
	if s.store != nil {
		if err := s.store.UpsertAgent(ctx, info); err != nil {
			s.log.Warn("Agent persistence failed", zap.String("agentId", info.AgentID), zap.Error(err))
		}
	}
	s.log.Info("Agent registered",
		zap.String("agentId", info.AgentID),
		zap.Strings("models", info.Models),
		zap.String("resourceClass", info.ResourceClass),
		zap.String("attestation", info.Attestation))
	return info, nil
}

// Heartbeat refreshes agent liveness.
func (s *Scheduler) Heartbeat(ctx context.Context, hb models.Heartbeat) error {
	return s.agents.Heartbeat(hb)
}

// Agents lists every registered agent.
func (s *Scheduler) Agents() []models.AgentInfo { return s.agents.List() }

// Agent returns one agent's record.
func (s *Scheduler) Agent(agentID string) (models.AgentInfo, bool) { return s.agents.Get(agentID) }

// Claim hands the fairest servable subtask to an eligible agent. A nil
// subtask with nil error means no work is available.
func (s *Scheduler) Claim(ctx context.Context, agentID string) (*models.Subtask, error) {
	agent, ok := s.agents.Get(agentID)
	if !ok {
		return nil, protocol.Ef(protocol.KindNotFound, "agent %s is not registered", agentID)
	}
	if s.blacklisted(agentID) {
		return nil, protocol.Ef(protocol.KindMeshUnauthorized, "agent %s is blacklisted", agentID)
	}
	if !s.claimWin.Allow(agentID) {
		return nil, protocol.Ef(protocol.KindRateLimited, "claim limit reached for %s", agentID)
	}
	nowMs := s.now()
	if !s.agents.Fresh(agentID, nowMs) {
		s.log.Debug("Claim from stale agent refused", zap.String("agentId", agentID))
		return nil, nil
	}

	st, ok := s.queue.Claim(agent, nowMs)
	if !ok {
		return nil, nil
	}
	if s.store != nil {
		if err := s.store.SaveSubtask(ctx, st); err != nil {
			s.log.Warn("Subtask persistence failed", zap.String("subtaskId", st.ID), zap.Error(err))
		}
	}
	s.metrics.Claims.Inc()
	s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	s.emitRecord(models.EventTaskClaimed, st, agentID)
	s.log.Debug("Subtask claimed",
		zap.String("subtaskId", st.ID),
		zap.String("agentId", agentID),
		zap.String("projectId", st.ProjectMeta.ProjectID))
	return &st, nil
}

// Complete verifies and retires a claimed subtask. A bad result
// signature requeues the work and rejects the result.
func (s *Scheduler) Complete(ctx context.Context, result models.SubtaskResult) (models.Subtask, error) {
	st, ok := s.queue.Get(result.SubtaskID)
	if !ok {
		return models.Subtask{}, protocol.Ef(protocol.KindNotFound, "subtask %s is not open", result.SubtaskID)
	}
	if st.Status != models.SubtaskClaimed || st.ClaimedBy != result.AgentID {
		return models.Subtask{}, protocol.Ef(protocol.KindBadRequest, "subtask %s is not claimed by %s", result.SubtaskID, result.AgentID)
	}

	if err := s.verifyResult(&result); err != nil {
		requeued, didFail, rqErr := s.queue.Requeue(result.SubtaskID, s.maxRequeues)
		if rqErr == nil {
			s.afterRequeue(ctx, requeued, result.AgentID, didFail)
		}
		return models.Subtask{}, err
	}

	done, err := s.queue.Complete(result.SubtaskID, result.AgentID)
	if err != nil {
		return models.Subtask{}, err
	}
	if s.store != nil {
		if err := s.store.SaveResult(ctx, result); err != nil {
			s.log.Warn("Result persistence failed", zap.String("subtaskId", done.ID), zap.Error(err))
		}
		if err := s.store.SaveSubtask(ctx, done); err != nil {
			s.log.Warn("Subtask persistence failed", zap.String("subtaskId", done.ID), zap.Error(err))
		}
	}
	s.metrics.Completions.Inc()
	s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	s.emitRecord(models.EventTaskComplete, done, result.AgentID)
	s.log.Info("Subtask completed",
		zap.String("subtaskId", done.ID),
		zap.String("agentId", result.AgentID),
		zap.Bool("ok", result.OK),
		zap.Int64("durationMs", result.DurationMs))
	return done, nil
}

// verifyResult checks the agent's signature over the canonical result.
func (s *Scheduler) verifyResult(result *models.SubtaskResult) error {
	key, ok := s.agents.Key(result.AgentID)
	if !ok {
		return protocol.Ef(protocol.KindNotFound, "agent %s is not registered", result.AgentID)
	}
	canonical, err := protocol.CanonicalResult(result)
	if err != nil {
		return err
	}
	if !protocol.Verify(key, canonical, result.ReportSignature) {
		return protocol.E(protocol.KindInvalidSignature)
	}
	return nil
}

// afterRequeue records a requeue with the agent who lost the claim as
// the actor.
func (s *Scheduler) afterRequeue(ctx context.Context, st models.Subtask, holder string, didFail bool) {
	if s.store != nil {
		if err := s.store.SaveSubtask(ctx, st); err != nil {
			s.log.Warn("Subtask persistence failed", zap.String("subtaskId", st.ID), zap.Error(err))
		}
	}
	s.metrics.Requeues.Inc()
	s.metrics.QueueDepth.Set(float64(s.queue.Depth()))
	if didFail {
		s.emitRecord(models.EventTaskFailed, st, holder)
		s.log.Warn("Subtask failed after exhausting requeues",
			zap.String("subtaskId", st.ID),
			zap.Int("requeues", st.Requeues))
		return
	}
	s.emitRecord(models.EventTaskRequeued, st, holder)
}

// SweepTimeouts requeues work whose claim expired. Runs from the loop in
// Run and is safe to call directly.
func (s *Scheduler) SweepTimeouts(ctx context.Context) {
	outcomes := s.queue.SweepTimeouts(s.now(), s.claimTimeout.Milliseconds(), s.maxRequeues)
	requeued, failed := 0, 0
	for _, o := range outcomes {
		s.afterRequeue(ctx, o.Subtask, o.Holder, o.Failed)
		if o.Failed {
			failed++
		} else {
			requeued++
		}
	}
	if len(outcomes) > 0 {
		s.log.Info("Claim timeout sweep",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed))
	}
}

// Run drives the requeue sweep until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepTimeouts(ctx)
		}
	}
}

// Capability summarizes fresh-agent capacity for gossip and /capacity.
func (s *Scheduler) Capability() models.CapabilitySummary {
	return s.agents.Capability(s.now())
}

// Load snapshots queue pressure for accrual and pricing. Capacity is one
// claimable slot per fresh agent.
func (s *Scheduler) Load() models.LoadSnapshot {
	queued, claimed := s.queue.Counts()
	return models.LoadSnapshot{
		QueuedTasks:  queued,
		ActiveAgents: claimed,
		Capacity:     s.agents.ActiveCount(s.now()),
	}
}

// Completions exposes per-project completion counts.
func (s *Scheduler) Completions() map[string]int { return s.queue.Completions() }

// QueueSnapshot copies every open subtask.
func (s *Scheduler) QueueSnapshot() []models.Subtask { return s.queue.Snapshot() }

// Depth is the number of open subtasks.
func (s *Scheduler) Depth() int { return s.queue.Depth() }

package behavior

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgecoder/coordinator/internal/metrics"
	"github.com/edgecoder/coordinator/internal/protocol"
	"github.com/edgecoder/coordinator/pkg/models"
)

const (
	strikeWindow      = time.Hour
	strikeLimit       = 3
	maxAnomalyHistory = 1000
)

// banPrecedence orders simultaneous critical verdicts for the single
// ban event: forged outputs are direct evidence, protocol abuse is a
// direct attack, speed alone is a timing heuristic.
var banPrecedence = map[string]int{
	RuleDuplicateForgery: 3,
	RuleProtocolAbuse:    2,
	RuleSuspiciouslyFast: 1,
}

// Banner issues the blacklist action, normally blacklist.List.Report.
type Banner func(ctx context.Context, input models.BlacklistEvidenceInput) error

type Options struct {
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Window  time.Duration
	Rules   RuleSet

	// ReporterID and Sign identify the coordinator as the accusation
	// reporter so peers can verify the evidence signature.
	ReporterID string
	Sign       func(data []byte) string

	Ban    Banner
	Banned func(agentID string) bool
}

// Defender owns the tracker, runs the rules after each observation, and
// escalates verdicts into blacklist actions. CRITICAL bans immediately;
// HIGH and WARN accumulate strikes, three within an hour ban.
type Defender struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	tracker *Tracker
	rules   RuleSet

	reporterID string
	sign       func(data []byte) string
	ban        Banner
	banned     func(agentID string) bool

	mu      sync.Mutex
	strikes map[string][]int64
	events  []models.AnomalyEvent
	onEvent func(models.AnomalyEvent)
	now     func() int64
}

func NewDefender(opts Options) *Defender {
	d := &Defender{
		log:        opts.Log,
		metrics:    opts.Metrics,
		tracker:    NewTracker(opts.Window),
		rules:      opts.Rules,
		reporterID: opts.ReporterID,
		sign:       opts.Sign,
		ban:        opts.Ban,
		banned:     opts.Banned,
		strikes:    make(map[string][]int64),
		now:        func() int64 { return time.Now().UnixMilli() },
	}
	if d.banned == nil {
		d.banned = func(string) bool { return false }
	}
	return d
}

// Tracker exposes the observation log for call sites that record
// without evaluating.
func (d *Defender) Tracker() *Tracker { return d.tracker }

// SetEventSink installs the live-stream observer for fired anomalies.
func (d *Defender) SetEventSink(fn func(models.AnomalyEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvent = fn
}

// ObserveResult records a task result and evaluates the agent.
func (d *Defender) ObserveResult(ctx context.Context, agentID string, durationMs int64, outputLen int, outputHash string, success bool) []models.AnomalyEvent {
	d.tracker.RecordResult(agentID, durationMs, outputLen, outputHash, success)
	return d.Evaluate(ctx, agentID)
}

// ObserveSignatureFailure records a bad signature and evaluates.
func (d *Defender) ObserveSignatureFailure(ctx context.Context, agentID string) []models.AnomalyEvent {
	d.tracker.RecordSignatureFailure(agentID)
	return d.Evaluate(ctx, agentID)
}

// ObserveReplay records a nonce replay and evaluates.
func (d *Defender) ObserveReplay(ctx context.Context, agentID string) []models.AnomalyEvent {
	d.tracker.RecordReplay(agentID)
	return d.Evaluate(ctx, agentID)
}

// ObserveRegistration records a registration and evaluates.
func (d *Defender) ObserveRegistration(ctx context.Context, agentID string) []models.AnomalyEvent {
	d.tracker.RecordRegistration(agentID)
	return d.Evaluate(ctx, agentID)
}

// ObserveClaim records a claim and evaluates.
func (d *Defender) ObserveClaim(ctx context.Context, agentID string, concurrent int) []models.AnomalyEvent {
	d.tracker.RecordClaim(agentID, concurrent)
	return d.Evaluate(ctx, agentID)
}

// ObserveRequeue records a requeue and evaluates.
func (d *Defender) ObserveRequeue(ctx context.Context, agentID string) []models.AnomalyEvent {
	d.tracker.RecordRequeue(agentID)
	return d.Evaluate(ctx, agentID)
}

// ObserveHeartbeatGap records a heartbeat gap seen while the agent held
// claims, and evaluates.
func (d *Defender) ObserveHeartbeatGap(ctx context.Context, agentID string, gapMs int64) []models.AnomalyEvent {
	d.tracker.RecordHeartbeatGap(agentID, gapMs)
	return d.Evaluate(ctx, agentID)
}

// Evaluate runs the rules against the agent's current stats, records
// fired anomalies, and applies the ban policy. Returns what fired.
func (d *Defender) Evaluate(ctx context.Context, agentID string) []models.AnomalyEvent {
	stats := d.tracker.Stats(agentID)
	fired := d.rules.Evaluate(stats, d.now())
	if len(fired) == 0 {
		return nil
	}

	d.mu.Lock()
	sink := d.onEvent
	for _, ev := range fired {
		d.events = append(d.events, ev)
		d.metrics.Anomalies.WithLabelValues(ev.Severity).Inc()
	}
	if len(d.events) > maxAnomalyHistory {
		d.events = d.events[len(d.events)-maxAnomalyHistory:]
	}
	verdict, banNow := d.banVerdictLocked(agentID, fired)
	d.mu.Unlock()

	if sink != nil {
		for _, ev := range fired {
			sink(ev)
		}
	}
	for _, ev := range fired {
		d.log.Warn("Anomaly detected",
			zap.String("agentId", ev.AgentID),
			zap.String("ruleId", ev.RuleID),
			zap.String("severity", ev.Severity),
			zap.String("description", ev.Description))
	}
	if banNow && !d.banned(agentID) {
		d.issueBan(ctx, stats, verdict)
	}
	return fired
}

// banVerdictLocked applies the escalation policy: any CRITICAL bans
// immediately, otherwise each HIGH or WARN verdict is one strike and
// the strike budget decides.
func (d *Defender) banVerdictLocked(agentID string, fired []models.AnomalyEvent) (models.AnomalyEvent, bool) {
	var pick models.AnomalyEvent
	havePick := false
	for _, ev := range fired {
		if ev.Severity != models.SeverityCritical {
			continue
		}
		if !havePick || banPrecedence[ev.RuleID] > banPrecedence[pick.RuleID] {
			pick = ev
			havePick = true
		}
	}
	if havePick {
		return pick, true
	}

	nowMs := d.now()
	cutoff := nowMs - strikeWindow.Milliseconds()
	strikes := d.strikes[agentID]
	keep := 0
	for keep < len(strikes) && strikes[keep] <= cutoff {
		keep++
	}
	strikes = append(strikes[:0], strikes[keep:]...)
	for range fired {
		strikes = append(strikes, nowMs)
	}
	d.strikes[agentID] = strikes
	if len(strikes) < strikeLimit {
		return models.AnomalyEvent{}, false
	}

	// Ban on the most severe rule that fired this round.
	pick = fired[0]
	for _, ev := range fired[1:] {
		if severityRank(ev.Severity) > severityRank(pick.Severity) {
			pick = ev
		}
	}
	delete(d.strikes, agentID)
	return pick, true
}

// issueBan signs the stats snapshot as evidence and reports the agent.
func (d *Defender) issueBan(ctx context.Context, stats models.AgentBehaviorStats, verdict models.AnomalyEvent) {
	if d.ban == nil {
		return
	}
	input := models.BlacklistEvidenceInput{
		AgentID:     verdict.AgentID,
		Reason:      verdict.RuleID + ": " + verdict.Description,
		ReasonCode:  verdict.BlacklistReason,
		ReporterID:  d.reporterID,
		TimestampMs: verdict.DetectedAtMs,
	}
	if evidence, err := json.Marshal(stats); err == nil {
		input.EvidenceHashSha256 = protocol.SHA256Hex(evidence)
	}
	if d.sign != nil {
		canonical, err := protocol.CanonicalEvidence(&input)
		if err == nil {
			input.ReporterSignature = d.sign(canonical)
		}
	}
	if err := d.ban(ctx, input); err != nil {
		d.log.Error("Blacklist action failed",
			zap.String("agentId", input.AgentID),
			zap.String("ruleId", verdict.RuleID),
			zap.Error(err))
		return
	}
	d.log.Warn("Agent banned by behavioral defense",
		zap.String("agentId", input.AgentID),
		zap.String("ruleId", verdict.RuleID),
		zap.String("reasonCode", input.ReasonCode))
}

// Recent returns the newest anomalies first.
func (d *Defender) Recent(limit int) []models.AnomalyEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || limit > len(d.events) {
		limit = len(d.events)
	}
	out := make([]models.AnomalyEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = d.events[len(d.events)-1-i]
	}
	return out
}

// Stats exposes the rolling view for one agent.
func (d *Defender) Stats(agentID string) models.AgentBehaviorStats {
	return d.tracker.Stats(agentID)
}

package behavior

import (
	"fmt"

	"github.com/edgecoder/coordinator/pkg/models"
)

// Rule identifiers, stable across releases; dashboards and evidence
// records key off these.
const (
	RuleSuspiciouslyFast  = "BHV001"
	RuleMassEmpty         = "BHV002"
	RuleDuplicateForgery  = "BHV003"
	RuleSuccessCollapse   = "BHV004"
	RuleProtocolAbuse     = "BHV005"
	RuleHeartbeatGap      = "BHV006"
	RuleTaskHoarding      = "BHV007"
	RuleRegistrationStorm = "BHV008"
	RuleRobotPrecision    = "BHV009"
	RuleTinyOutputs       = "BHV010"
)

// Detection thresholds.
const (
	fastTaskFloorMs   = 500
	fastTaskAvgMs     = 1000.0
	fastTaskMin       = 3
	emptyResultMin    = 5
	emptyResultRatio  = 0.6
	identicalRunMin   = 3
	collapseTaskMin   = 10
	collapseRate      = 0.15
	abuseSignalMin    = 5
	heartbeatGapMaxMs = 5 * 60 * 1000
	hoardClaimFactor  = 2
	hoardRequeueMin   = 8
	stormMin          = 10
	robotStddevMs     = 50.0
	robotSampleMin    = 10
	tinyOutputLen     = 10.0
	tinyOutputMin     = 5

	defaultClaimLimit = 4
)

type rule struct {
	id       string
	severity string
	reason   string
	detect   func(s models.AgentBehaviorStats, rs RuleSet) (string, bool)
}

// RuleSet evaluates every detection rule against one agent's stats.
type RuleSet struct {
	// ClaimLimit is the advertised per-agent concurrent claim
	// allowance; hoarding trips at twice this.
	ClaimLimit int
}

func (rs RuleSet) claimLimit() int {
	if rs.ClaimLimit > 0 {
		return rs.ClaimLimit
	}
	return defaultClaimLimit
}

// rules in numeric order; ban precedence among simultaneous verdicts is
// decided separately by the defender.
var rules = []rule{
	{RuleSuspiciouslyFast, models.SeverityCritical, models.ReasonSuspiciouslyFast,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.SuspiciouslyFast >= fastTaskMin && s.DurationMeanMs < fastTaskAvgMs {
				return fmt.Sprintf("%d results under %d ms averaging %.0f ms",
					s.SuspiciouslyFast, fastTaskFloorMs, s.DurationMeanMs), true
			}
			return "", false
		}},
	{RuleMassEmpty, models.SeverityHigh, models.ReasonMassEmpty,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.TasksEmpty >= emptyResultMin &&
				float64(s.TasksEmpty)/float64(s.TasksTotal) > emptyResultRatio {
				return fmt.Sprintf("%d of %d results empty", s.TasksEmpty, s.TasksTotal), true
			}
			return "", false
		}},
	{RuleDuplicateForgery, models.SeverityCritical, models.ReasonForgedResults,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.IdenticalRun >= identicalRunMin {
				return fmt.Sprintf("%d consecutive identical output hashes", s.IdenticalRun), true
			}
			return "", false
		}},
	{RuleSuccessCollapse, models.SeverityHigh, models.ReasonSuccessCollapse,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.TasksTotal >= collapseTaskMin &&
				float64(s.TasksSucceeded)/float64(s.TasksTotal) < collapseRate {
				return fmt.Sprintf("%d of %d tasks succeeded", s.TasksSucceeded, s.TasksTotal), true
			}
			return "", false
		}},
	{RuleProtocolAbuse, models.SeverityCritical, models.ReasonProtocolAbuse,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			abuse := s.SignatureFailures + s.ReplayAttempts
			if abuse >= abuseSignalMin {
				return fmt.Sprintf("%d signature failures and %d replays",
					s.SignatureFailures, s.ReplayAttempts), true
			}
			return "", false
		}},
	{RuleHeartbeatGap, models.SeverityHigh, models.ReasonHeartbeatForgery,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.MaxHeartbeatGapMs > heartbeatGapMaxMs {
				return fmt.Sprintf("heartbeat silent %d ms while holding claims", s.MaxHeartbeatGapMs), true
			}
			return "", false
		}},
	{RuleTaskHoarding, models.SeverityHigh, models.ReasonTaskHoarding,
		func(s models.AgentBehaviorStats, rs RuleSet) (string, bool) {
			if s.ConcurrentClaims > hoardClaimFactor*rs.claimLimit() {
				return fmt.Sprintf("%d concurrent claims against a limit of %d",
					s.ConcurrentClaims, rs.claimLimit()), true
			}
			if s.Requeues >= hoardRequeueMin {
				return fmt.Sprintf("%d requeues of claimed work", s.Requeues), true
			}
			return "", false
		}},
	{RuleRegistrationStorm, models.SeverityHigh, models.ReasonRegistrationStorm,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.Registrations >= stormMin {
				return fmt.Sprintf("%d registrations in 10 minutes", s.Registrations), true
			}
			return "", false
		}},
	{RuleRobotPrecision, models.SeverityWarn, models.ReasonRobotPrecision,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.TasksTotal >= robotSampleMin && s.DurationStddevMs < robotStddevMs {
				return fmt.Sprintf("duration stddev %.1f ms over %d tasks",
					s.DurationStddevMs, s.TasksTotal), true
			}
			return "", false
		}},
	{RuleTinyOutputs, models.SeverityWarn, models.ReasonTinyOutputs,
		func(s models.AgentBehaviorStats, _ RuleSet) (string, bool) {
			if s.TasksSucceeded >= tinyOutputMin && s.AvgOutputLen < tinyOutputLen {
				return fmt.Sprintf("average output %.1f bytes over %d successes",
					s.AvgOutputLen, s.TasksSucceeded), true
			}
			return "", false
		}},
}

// Evaluate runs every rule and returns the fired anomalies in rule
// order.
func (rs RuleSet) Evaluate(stats models.AgentBehaviorStats, nowMs int64) []models.AnomalyEvent {
	var fired []models.AnomalyEvent
	for _, r := range rules {
		desc, hit := r.detect(stats, rs)
		if !hit {
			continue
		}
		fired = append(fired, models.AnomalyEvent{
			RuleID:          r.id,
			AgentID:         stats.AgentID,
			Severity:        r.severity,
			BlacklistReason: r.reason,
			Description:     desc,
			DetectedAtMs:    nowMs,
		})
	}
	return fired
}

// severityRank orders severities for threshold checks.
func severityRank(severity string) int {
	switch severity {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityWarn:
		return 1
	default:
		return 0
	}
}

// Package alerting turns rule lifecycle events into operator alerts:
// severity derivation, deduplication, and fan-out to webhook sinks.
// Alert delivery never backpressures the enforcement path.
package alerting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

// Severity ranks an alert for routing and suppression.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Alert is the operator-facing notification for one enforcement event.
type Alert struct {
	AlertID     uuid.UUID  `json:"alert_id"`
	Severity    Severity   `json:"severity"`
	Event       string     `json:"event"`
	Action      string     `json:"action,omitempty"`
	SrcAddr     string     `json:"src_addr,omitempty"`
	Score       float64    `json:"score,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
	Fallback    bool       `json:"fallback,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
	RuleID      uuid.UUID  `json:"rule_id,omitempty"`
	DecisionID  uuid.UUID  `json:"decision_id,omitempty"`
	DetectionID uuid.UUID  `json:"detection_id,omitempty"`
	Summary     string     `json:"summary"`
	CreatedAt   time.Time  `json:"created_at"`
}

// severityFor derives the alert severity from the enforcement taken.
// Quarantine and high-confidence denies are critical; failures to
// enforce rank one step above the action they blocked.
func severityFor(ev orchestrator.RuleEvent) Severity {
	var action schema.Action
	if ev.Decision != nil {
		action = ev.Decision.Action
	}

	var sev Severity
	switch action.Family() {
	case schema.FamilyQuarantine:
		sev = SeverityCritical
	case schema.FamilyDeny:
		sev = SeverityHigh
		if ev.Decision != nil && ev.Decision.Confidence >= 0.9 {
			sev = SeverityCritical
		}
	case schema.FamilyRateLimit:
		sev = SeverityMedium
	default:
		sev = SeverityLow
	}

	// A rule the fleet could not enforce is at least high severity.
	if ev.Type == orchestrator.EventFailed && sev.Rank() < SeverityHigh.Rank() {
		sev = SeverityHigh
	}
	return sev
}

// fromRuleEvent builds the alert for a lifecycle event.
func fromRuleEvent(ev orchestrator.RuleEvent) *Alert {
	a := &Alert{
		AlertID:   uuid.New(),
		Severity:  severityFor(ev),
		Event:     string(ev.Type),
		CreatedAt: time.Now().UTC(),
	}
	if dec := ev.Decision; dec != nil {
		a.Action = string(dec.Action)
		a.Confidence = dec.Confidence
		a.Fallback = dec.Fallback
		a.DecisionID = dec.DecisionID
		a.DetectionID = dec.DetectionID
		if det := dec.Detection; det != nil {
			a.Score = det.AggregateScore
			a.Degraded = det.Degraded
			if fv := det.FeatureVector; fv != nil {
				a.SrcAddr = fv.Context.SrcAddr
			}
		}
	}
	if snap := ev.Snapshot; snap != nil {
		a.RuleID = snap.Rule.RuleID
		if a.SrcAddr == "" {
			a.SrcAddr = snap.Rule.Match.SrcCIDR
		}
		if a.Action == "" {
			a.Action = string(snap.Rule.Action)
		}
	}
	a.Summary = summarize(a, ev)
	return a
}

func summarize(a *Alert, ev orchestrator.RuleEvent) string {
	switch ev.Type {
	case orchestrator.EventApplied:
		return fmt.Sprintf("%s applied to %s (score %.2f)", a.Action, a.SrcAddr, a.Score)
	case orchestrator.EventFailed:
		return fmt.Sprintf("%s for %s failed on every adapter", a.Action, a.SrcAddr)
	case orchestrator.EventRejected:
		return fmt.Sprintf("%s for %s rejected by validation", a.Action, a.SrcAddr)
	case orchestrator.EventRolledBack:
		return fmt.Sprintf("rule for %s rolled back", a.SrcAddr)
	case orchestrator.EventConflictLost:
		return fmt.Sprintf("%s for %s lost to a higher-priority rule", a.Action, a.SrcAddr)
	default:
		return fmt.Sprintf("rule for %s %s", a.SrcAddr, ev.Type)
	}
}

package schema

import (
	"time"

	"github.com/google/uuid"
)

// Action is one of the fixed enforcement actions.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionDeny            Action = "deny"
	ActionRateLimitLow    Action = "rate_limit_low"
	ActionRateLimitMed    Action = "rate_limit_med"
	ActionRateLimitHigh   Action = "rate_limit_high"
	ActionQuarantineShort Action = "quarantine_short"
	ActionQuarantineLong  Action = "quarantine_long"
	ActionMonitor         Action = "monitor"
)

// Actions lists the full action set in artifact index order.
var Actions = []Action{
	ActionAllow,
	ActionDeny,
	ActionRateLimitLow,
	ActionRateLimitMed,
	ActionRateLimitHigh,
	ActionQuarantineShort,
	ActionQuarantineLong,
	ActionMonitor,
}

// IsValid checks if the action is a known value.
func (a Action) IsValid() bool {
	for _, v := range Actions {
		if a == v {
			return true
		}
	}
	return false
}

// ActionFamily is the 5-value projection of the action set used for
// conflict detection: two rate limits conflict with each other the
// same way a deny conflicts with an allow.
type ActionFamily string

const (
	FamilyAllow      ActionFamily = "allow"
	FamilyDeny       ActionFamily = "deny"
	FamilyRateLimit  ActionFamily = "rate_limit"
	FamilyQuarantine ActionFamily = "quarantine"
	FamilyMonitor    ActionFamily = "monitor"
)

// Family returns the action family of the action.
func (a Action) Family() ActionFamily {
	switch a {
	case ActionAllow:
		return FamilyAllow
	case ActionDeny:
		return FamilyDeny
	case ActionRateLimitLow, ActionRateLimitMed, ActionRateLimitHigh:
		return FamilyRateLimit
	case ActionQuarantineShort, ActionQuarantineLong:
		return FamilyQuarantine
	default:
		return FamilyMonitor
	}
}

// RatePPS returns the packets-per-second cap for rate-limit actions,
// zero for everything else.
func (a Action) RatePPS() int {
	switch a {
	case ActionRateLimitLow:
		return 1000
	case ActionRateLimitMed:
		return 100
	case ActionRateLimitHigh:
		return 10
	}
	return 0
}

// ActionParams carries per-action parameters chosen by the agent.
type ActionParams struct {
	RatePPS   int           `json:"rate_pps,omitempty"`
	RateBurst int           `json:"rate_burst,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Decision is the agent's enforcement choice for one detection.
// Immutable.
type Decision struct {
	DecisionID  uuid.UUID    `json:"decision_id"`
	DetectionID uuid.UUID    `json:"detection_id"`
	Detection   *Detection   `json:"detection,omitempty"`
	Action      Action       `json:"action"`
	Params      ActionParams `json:"params"`
	Confidence  float64      `json:"confidence"`
	AgentID     string       `json:"agent_id"`
	Fallback    bool         `json:"fallback,omitempty"`
	DecidedAt   time.Time    `json:"decided_at"`
}

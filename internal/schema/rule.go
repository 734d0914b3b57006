package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RuleAction is the enforcement applied by a UniversalRule.
type RuleAction string

const (
	RuleAllow      RuleAction = "allow"
	RuleDeny       RuleAction = "deny"
	RuleRateLimit  RuleAction = "rate_limit"
	RuleQuarantine RuleAction = "quarantine"
	RuleMonitor    RuleAction = "monitor"
)

// IsValid checks if the rule action is a known value.
func (a RuleAction) IsValid() bool {
	switch a {
	case RuleAllow, RuleDeny, RuleRateLimit, RuleQuarantine, RuleMonitor:
		return true
	}
	return false
}

// RuleMatch is the vendor-neutral traffic selector of a rule.
// Empty fields match everything.
type RuleMatch struct {
	SrcCIDR  string   `json:"src_cidr,omitempty" validate:"omitempty,cidr"`
	DstCIDR  string   `json:"dst_cidr,omitempty" validate:"omitempty,cidr"`
	Protocol Protocol `json:"protocol,omitempty"`
	DstPorts []int    `json:"dst_ports,omitempty" validate:"dive,min=0,max=65535"`
	SrcPorts []int    `json:"src_ports,omitempty" validate:"dive,min=0,max=65535"`
}

// Canonical returns a stable string identity for the match. Port lists
// are sorted so logically identical matches compare equal.
func (m RuleMatch) Canonical() string {
	dst := append([]int(nil), m.DstPorts...)
	src := append([]int(nil), m.SrcPorts...)
	sort.Ints(dst)
	sort.Ints(src)
	var b strings.Builder
	fmt.Fprintf(&b, "src=%s dst=%s proto=%s dports=%v sports=%v",
		m.SrcCIDR, m.DstCIDR, m.Protocol, dst, src)
	return b.String()
}

// UniversalRule is the vendor-neutral enforcement record synthesized
// from a Decision. Immutable after acceptance; lifecycle is tracked
// separately in RuleState.
type UniversalRule struct {
	RuleID     uuid.UUID    `json:"rule_id"`
	Match      RuleMatch    `json:"match"`
	Action     RuleAction   `json:"action"`
	RatePPS    int          `json:"rate_pps,omitempty"`
	Priority   int          `json:"priority" validate:"min=0,max=65535"`
	TTL        time.Duration `json:"ttl,omitempty"`
	DecisionID uuid.UUID    `json:"origin_decision_ref"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ConflictsWith reports whether two rules on the identical match carry
// conflicting enforcement.
func (r *UniversalRule) ConflictsWith(other *UniversalRule) bool {
	return r.Match.Canonical() == other.Match.Canonical() && r.Action != other.Action
}

// RuleLifecycle is the orchestrator-owned state of a rule.
type RuleLifecycle string

const (
	RulePending    RuleLifecycle = "pending"
	RuleApplying   RuleLifecycle = "applying"
	RuleActive     RuleLifecycle = "active"
	RuleFailed     RuleLifecycle = "failed"
	RuleExpired    RuleLifecycle = "expired"
	RuleRolledBack RuleLifecycle = "rolled_back"
)

// IsValid checks if the lifecycle is a known value.
func (s RuleLifecycle) IsValid() bool {
	switch s {
	case RulePending, RuleApplying, RuleActive, RuleFailed, RuleExpired, RuleRolledBack:
		return true
	}
	return false
}

// Terminal reports whether the lifecycle admits no further transitions.
func (s RuleLifecycle) Terminal() bool {
	return s == RuleExpired || s == RuleRolledBack
}

// OutcomeCode is the stable wire value of an adapter outcome.
type OutcomeCode string

const (
	OutcomeOK          OutcomeCode = "OK"
	OutcomeTransient   OutcomeCode = "TRANSIENT"
	OutcomePermanent   OutcomeCode = "PERMANENT"
	OutcomeUnreachable OutcomeCode = "UNREACHABLE"
)

// IsValid checks if the outcome code is a known value.
func (c OutcomeCode) IsValid() bool {
	switch c {
	case OutcomeOK, OutcomeTransient, OutcomePermanent, OutcomeUnreachable:
		return true
	}
	return false
}

// AdapterOutcome records the result of dispatching a rule to one
// adapter.
type AdapterOutcome struct {
	Adapter   string      `json:"adapter"`
	Code      OutcomeCode `json:"code"`
	NativeID  string      `json:"native_id,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Attempt   int         `json:"attempt"`
	Timestamp time.Time   `json:"timestamp"`
}

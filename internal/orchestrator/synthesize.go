package orchestrator

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/config"
	"sentinel-core/internal/schema"
)

// priorityJitter spreads rules of one action class across a small
// priority band so same-action rules have a deterministic order.
const priorityJitter = 8

// Synthesize converts a decision into a vendor-neutral rule. Allow and
// monitor decisions produce observation rules; everything else
// produces enforcement scoped to the offending source.
func Synthesize(cfg config.OrchestratorConfig, dec *schema.Decision) (*schema.UniversalRule, error) {
	if dec.Detection == nil || dec.Detection.FeatureVector == nil {
		return nil, fmt.Errorf("decision %s carries no detection context", dec.DecisionID)
	}
	fctx := dec.Detection.FeatureVector.Context

	srcCIDR, err := hostCIDR(fctx.SrcAddr)
	if err != nil {
		return nil, fmt.Errorf("source address: %w", err)
	}

	rule := &schema.UniversalRule{
		RuleID:     uuid.New(),
		DecisionID: dec.DecisionID,
		CreatedAt:  time.Now().UTC(),
	}

	switch dec.Action.Family() {
	case schema.FamilyDeny:
		// Deny is scoped to the observed traffic shape, not the
		// whole host.
		rule.Action = schema.RuleDeny
		rule.Match = schema.RuleMatch{SrcCIDR: srcCIDR, Protocol: fctx.Protocol}
		if fctx.DstPort > 0 {
			rule.Match.DstPorts = []int{fctx.DstPort}
		}
	case schema.FamilyQuarantine:
		// Quarantine cuts the host off entirely.
		rule.Action = schema.RuleQuarantine
		rule.Match = schema.RuleMatch{SrcCIDR: srcCIDR}
	case schema.FamilyRateLimit:
		rule.Action = schema.RuleRateLimit
		rule.Match = schema.RuleMatch{SrcCIDR: srcCIDR, Protocol: fctx.Protocol}
		rule.RatePPS = dec.Params.RatePPS
		if rule.RatePPS <= 0 {
			rule.RatePPS = dec.Action.RatePPS()
		}
	case schema.FamilyAllow:
		rule.Action = schema.RuleAllow
		rule.Match = schema.RuleMatch{SrcCIDR: srcCIDR}
	default:
		rule.Action = schema.RuleMonitor
		rule.Match = schema.RuleMatch{SrcCIDR: srcCIDR}
	}

	rule.Priority = priorityFor(cfg, dec)
	rule.TTL = ttlFor(cfg, dec)
	return rule, nil
}

// priorityFor combines the action's base priority with a deterministic
// jitter from the decision id. Lower number wins.
func priorityFor(cfg config.OrchestratorConfig, dec *schema.Decision) int {
	base, ok := cfg.BasePriority[dec.Action]
	if !ok {
		base = 1000
	}
	h := fnv.New32a()
	h.Write(dec.DecisionID[:])
	return base + int(h.Sum32()%priorityJitter)
}

// ttlFor prefers the agent's duration, then the per-action default.
func ttlFor(cfg config.OrchestratorConfig, dec *schema.Decision) time.Duration {
	if dec.Params.Duration > 0 {
		return dec.Params.Duration
	}
	return cfg.TTL[dec.Action]
}

// hostCIDR turns a single address into its host prefix.
func hostCIDR(addr string) (string, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return "", err
	}
	if a.Is4() {
		return a.String() + "/32", nil
	}
	return a.String() + "/128", nil
}

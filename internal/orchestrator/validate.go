package orchestrator

import (
	"fmt"
	"net/netip"

	"sentinel-core/internal/schema"
)

// ValidationError explains why a synthesized rule was refused. Rejected
// rules are audited but never dispatched.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rule rejected (%s): %s", e.Reason, e.Detail)
}

// Validate refuses rules that would harm protected infrastructure or
// exceed the blast radius allowed for their action.
func (o *Orchestrator) Validate(rule *schema.UniversalRule, action schema.Action) error {
	if err := o.validator.ValidateRule(rule); err != nil {
		return &ValidationError{Reason: "malformed", Detail: err.Error()}
	}

	src, err := netip.ParsePrefix(rule.Match.SrcCIDR)
	if err != nil {
		return &ValidationError{Reason: "malformed", Detail: "source is not CIDR notation"}
	}

	if restrictive(rule.Action) {
		for _, p := range o.protected {
			if p.Overlaps(src) {
				return &ValidationError{
					Reason: "protected_asset",
					Detail: fmt.Sprintf("%s overlaps protected %s", src, p),
				}
			}
		}
		for _, p := range o.pinned {
			if p.Overlaps(src) {
				return &ValidationError{
					Reason: "pinned_allow",
					Detail: fmt.Sprintf("%s overlaps pinned allow %s", src, p),
				}
			}
		}
	}

	// MaxScope caps how wide a prefix an action may target; a smaller
	// prefix length means a wider net.
	if minLen, ok := o.cfg.MaxScope[action]; ok {
		limit := minLen
		if src.Addr().Is6() && limit <= 32 {
			// v4-scoped limits map onto the v6 space.
			limit += 96
		}
		if src.Bits() < limit {
			return &ValidationError{
				Reason: "max_scope",
				Detail: fmt.Sprintf("%s wider than /%d allowed for %s", src, limit, action),
			}
		}
	}
	return nil
}

// restrictive reports whether the action can cut traffic off.
func restrictive(a schema.RuleAction) bool {
	return a == schema.RuleDeny || a == schema.RuleQuarantine || a == schema.RuleRateLimit
}

// parsePrefixes drops malformed entries; config validation already
// rejects them at load time.
func parsePrefixes(cidrs []string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		if p, err := netip.ParsePrefix(c); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

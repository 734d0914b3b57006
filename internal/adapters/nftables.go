package adapters

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"sentinel-core/internal/config"
	"sentinel-core/internal/schema"
)

// commentPrefix marks the rules this system owns inside a shared
// chain.
const commentPrefix = "sentinel:"

// NFTables drives a dedicated nftables chain through the nft binary.
// The native id is the managed comment; the handle is resolved at
// remove time since nftables reassigns handles across reloads.
type NFTables struct {
	cfg config.NftablesConfig
	run runner
}

// NewNFTables creates the nftables adapter.
func NewNFTables(cfg config.NftablesConfig) *NFTables {
	return &NFTables{cfg: cfg, run: execRunner{}}
}

func (a *NFTables) Name() string { return "nftables" }

// ensure creates the managed table and chain. Both commands are
// idempotent under nft.
func (a *NFTables) ensure(ctx context.Context) error {
	if _, err := a.run.run(ctx, a.cfg.BinaryPath, "add", "table", "inet", a.cfg.Table); err != nil {
		return err
	}
	_, err := a.run.run(ctx, a.cfg.BinaryPath,
		"add", "chain", "inet", a.cfg.Table, a.cfg.Chain,
		"{", "type", "filter", "hook", "input", "priority", "0", ";", "}",
	)
	return err
}

// Apply inserts one native rule carrying the managed comment.
func (a *NFTables) Apply(ctx context.Context, rule *schema.UniversalRule) (string, error) {
	nativeID := commentPrefix + rule.RuleID.String()

	present, err := a.Query(ctx, nativeID)
	if err != nil {
		return "", err
	}
	if present {
		return nativeID, nil
	}
	if err := a.ensure(ctx); err != nil {
		return "", err
	}

	expr, err := a.expression(rule)
	if err != nil {
		return "", Permanent(err)
	}

	args := append([]string{"add", "rule", "inet", a.cfg.Table, a.cfg.Chain}, expr...)
	args = append(args, "comment", fmt.Sprintf("%q", nativeID))
	if _, err := a.run.run(ctx, a.cfg.BinaryPath, args...); err != nil {
		return "", err
	}
	return nativeID, nil
}

// expression translates the universal match and action into nft
// tokens.
func (a *NFTables) expression(rule *schema.UniversalRule) ([]string, error) {
	var expr []string
	m := rule.Match

	if m.SrcCIDR != "" {
		expr = append(expr, "ip", "saddr", m.SrcCIDR)
	}
	if m.DstCIDR != "" {
		expr = append(expr, "ip", "daddr", m.DstCIDR)
	}

	switch m.Protocol {
	case schema.ProtocolTCP, schema.ProtocolUDP:
		proto := string(m.Protocol)
		if len(m.DstPorts) > 0 {
			expr = append(expr, proto, "dport", portSet(m.DstPorts))
		}
		if len(m.SrcPorts) > 0 {
			expr = append(expr, proto, "sport", portSet(m.SrcPorts))
		}
		if len(m.DstPorts) == 0 && len(m.SrcPorts) == 0 {
			expr = append(expr, "ip", "protocol", proto)
		}
	case schema.ProtocolICMP:
		expr = append(expr, "ip", "protocol", "icmp")
	case "", schema.ProtocolOther:
		if len(m.DstPorts) > 0 || len(m.SrcPorts) > 0 {
			return nil, fmt.Errorf("port match without tcp or udp protocol")
		}
	}

	switch rule.Action {
	case schema.RuleDeny, schema.RuleQuarantine:
		expr = append(expr, "drop")
	case schema.RuleRateLimit:
		if rule.RatePPS <= 0 {
			return nil, fmt.Errorf("rate_limit rule without a rate")
		}
		expr = append(expr, "limit", "rate", "over", fmt.Sprintf("%d/second", rule.RatePPS), "drop")
	case schema.RuleAllow:
		expr = append(expr, "accept")
	case schema.RuleMonitor:
		expr = append(expr, "counter")
	default:
		return nil, fmt.Errorf("action %q has no nftables translation", rule.Action)
	}
	return expr, nil
}

func portSet(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

var handleRe = regexp.MustCompile(`# handle (\d+)$`)

// Remove deletes every native rule carrying the comment.
func (a *NFTables) Remove(ctx context.Context, nativeID string) error {
	handles, err := a.handles(ctx, nativeID)
	if err != nil {
		return err
	}
	for _, h := range handles {
		if _, err := a.run.run(ctx, a.cfg.BinaryPath,
			"delete", "rule", "inet", a.cfg.Table, a.cfg.Chain, "handle", h); err != nil {
			return err
		}
	}
	return nil
}

// Query reports whether any native rule carries the comment.
func (a *NFTables) Query(ctx context.Context, nativeID string) (bool, error) {
	handles, err := a.handles(ctx, nativeID)
	if err != nil {
		return false, err
	}
	return len(handles) > 0, nil
}

// List returns the managed comments present in the chain.
func (a *NFTables) List(ctx context.Context) ([]string, error) {
	out, err := a.listChain(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		id, ok := commentOf(line)
		if !ok {
			continue
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Healthy checks that the binary answers at all.
func (a *NFTables) Healthy(ctx context.Context) error {
	_, err := a.run.run(ctx, a.cfg.BinaryPath, "list", "tables")
	return err
}

func (a *NFTables) listChain(ctx context.Context) (string, error) {
	out, err := a.run.run(ctx, a.cfg.BinaryPath, "-a", "list", "chain", "inet", a.cfg.Table, a.cfg.Chain)
	if err != nil {
		// A chain that does not exist yet holds no rules.
		if strings.Contains(err.Error(), "No such file or directory") ||
			strings.Contains(err.Error(), "does not exist") {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

func (a *NFTables) handles(ctx context.Context, nativeID string) ([]string, error) {
	out, err := a.listChain(ctx)
	if err != nil {
		return nil, err
	}
	var handles []string
	for _, line := range strings.Split(out, "\n") {
		id, ok := commentOf(line)
		if !ok || id != nativeID {
			continue
		}
		if m := handleRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			handles = append(handles, m[1])
		}
	}
	return handles, nil
}

// commentOf extracts a managed comment from one nft listing line.
func commentOf(line string) (string, bool) {
	idx := strings.Index(line, `comment "`+commentPrefix)
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(`comment "`):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

package adapters

import (
	"context"
	"fmt"
	"strings"

	"sentinel-core/internal/config"
	"sentinel-core/internal/schema"
)

// compoundSep joins the native parts of one universal rule. iptables
// matches a single destination port per rule, so a port-list match is
// split into one native rule per port and tracked under a compound id.
const compoundSep = "+"

// IPTables drives a dedicated iptables chain through the iptables
// binary.
type IPTables struct {
	cfg config.IptablesConfig
	run runner
}

// NewIPTables creates the iptables adapter.
func NewIPTables(cfg config.IptablesConfig) *IPTables {
	return &IPTables{cfg: cfg, run: execRunner{}}
}

func (a *IPTables) Name() string { return "iptables" }

func (a *IPTables) ensure(ctx context.Context) error {
	if _, err := a.run.run(ctx, a.cfg.BinaryPath, "-N", a.cfg.Chain); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return err
	}
	return nil
}

// Apply inserts the native rules of one universal rule. Already
// present parts are left alone, so a retry of the same rule id
// converges instead of duplicating.
func (a *IPTables) Apply(ctx context.Context, rule *schema.UniversalRule) (string, error) {
	if err := a.ensure(ctx); err != nil {
		return "", err
	}

	parts, err := a.parts(rule)
	if err != nil {
		return "", Permanent(err)
	}

	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		ids = append(ids, part.id)
		present, err := a.partPresent(ctx, part.id)
		if err != nil {
			return "", err
		}
		if present {
			continue
		}
		args := append([]string{"-A", a.cfg.Chain}, part.spec...)
		if _, err := a.run.run(ctx, a.cfg.BinaryPath, args...); err != nil {
			return "", err
		}
	}
	return strings.Join(ids, compoundSep), nil
}

type nativePart struct {
	id   string
	spec []string
}

// parts expands the universal rule into single-port native specs.
func (a *IPTables) parts(rule *schema.UniversalRule) ([]nativePart, error) {
	base := commentPrefix + rule.RuleID.String()
	m := rule.Match

	common := []string{}
	if m.SrcCIDR != "" {
		common = append(common, "-s", m.SrcCIDR)
	}
	if m.DstCIDR != "" {
		common = append(common, "-d", m.DstCIDR)
	}

	target, err := a.target(rule)
	if err != nil {
		return nil, err
	}

	build := func(id string, portArgs []string) nativePart {
		spec := append([]string{}, common...)
		spec = append(spec, portArgs...)
		spec = append(spec, "-m", "comment", "--comment", id)
		spec = append(spec, target...)
		return nativePart{id: id, spec: spec}
	}

	proto := string(m.Protocol)
	switch m.Protocol {
	case schema.ProtocolTCP, schema.ProtocolUDP:
		if len(m.DstPorts) == 0 {
			return []nativePart{build(base, []string{"-p", proto})}, nil
		}
		parts := make([]nativePart, 0, len(m.DstPorts))
		for _, port := range m.DstPorts {
			id := fmt.Sprintf("%s/p%d", base, port)
			parts = append(parts, build(id, []string{"-p", proto, "--dport", fmt.Sprintf("%d", port)}))
		}
		return parts, nil
	case schema.ProtocolICMP:
		return []nativePart{build(base, []string{"-p", "icmp"})}, nil
	default:
		if len(m.DstPorts) > 0 {
			return nil, fmt.Errorf("port match without tcp or udp protocol")
		}
		return []nativePart{build(base, nil)}, nil
	}
}

func (a *IPTables) target(rule *schema.UniversalRule) ([]string, error) {
	switch rule.Action {
	case schema.RuleDeny, schema.RuleQuarantine:
		return []string{"-j", "DROP"}, nil
	case schema.RuleRateLimit:
		if rule.RatePPS <= 0 {
			return nil, fmt.Errorf("rate_limit rule without a rate")
		}
		name := rule.RuleID.String()[:8]
		return []string{
			"-m", "hashlimit",
			"--hashlimit-above", fmt.Sprintf("%d/sec", rule.RatePPS),
			"--hashlimit-name", name,
			"--hashlimit-mode", "srcip",
			"-j", "DROP",
		}, nil
	case schema.RuleAllow:
		return []string{"-j", "ACCEPT"}, nil
	case schema.RuleMonitor:
		// A rule with no jump only counts matching packets.
		return nil, nil
	default:
		return nil, fmt.Errorf("action %q has no iptables translation", rule.Action)
	}
}

// Remove deletes every part of the compound id.
func (a *IPTables) Remove(ctx context.Context, nativeID string) error {
	lines, err := a.listLines(ctx)
	if err != nil {
		return err
	}
	wanted := make(map[string]struct{})
	for _, id := range strings.Split(nativeID, compoundSep) {
		wanted[id] = struct{}{}
	}
	for _, line := range lines {
		id, ok := iptablesComment(line)
		if !ok {
			continue
		}
		if _, want := wanted[id]; !want {
			continue
		}
		// Replay the append line as a delete.
		args := strings.Fields(line)
		if len(args) < 2 || args[0] != "-A" {
			continue
		}
		args[0] = "-D"
		if _, err := a.run.run(ctx, a.cfg.BinaryPath, args...); err != nil {
			return err
		}
	}
	return nil
}

// Query reports whether every part of the compound id is present.
func (a *IPTables) Query(ctx context.Context, nativeID string) (bool, error) {
	lines, err := a.listLines(ctx)
	if err != nil {
		return false, err
	}
	present := make(map[string]struct{})
	for _, line := range lines {
		if id, ok := iptablesComment(line); ok {
			present[id] = struct{}{}
		}
	}
	for _, id := range strings.Split(nativeID, compoundSep) {
		if _, ok := present[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (a *IPTables) partPresent(ctx context.Context, id string) (bool, error) {
	return a.Query(ctx, id)
}

// List returns the managed comments present in the chain.
func (a *IPTables) List(ctx context.Context) ([]string, error) {
	lines, err := a.listLines(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, line := range lines {
		id, ok := iptablesComment(line)
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
func (a *IPTables) Healthy(ctx context.Context) error {
	_, err := a.run.run(ctx, a.cfg.BinaryPath, "-S")
	return err
}

func (a *IPTables) listLines(ctx context.Context) ([]string, error) {
	out, err := a.run.run(ctx, a.cfg.BinaryPath, "-S", a.cfg.Chain)
	if err != nil {
		if strings.Contains(err.Error(), "No chain") {
			return nil, nil
		}
		return nil, err
	}
	return strings.Split(strings.TrimSpace(out), "\n"), nil
}

// iptablesComment extracts the managed comment of one -S line.
func iptablesComment(line string) (string, bool) {
	fields := strings.Fields(line)
	for i, f := range fields {
		if f == "--comment" && i+1 < len(fields) {
			id := strings.Trim(fields[i+1], `"`)
			if strings.HasPrefix(id, commentPrefix) {
				return id, true
			}
		}
	}
	return "", false
}

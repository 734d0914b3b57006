package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/config"
	"sentinel-core/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner scripts binary invocations for adapter tests.
type fakeRunner struct {
	calls []string
	fn    func(bin string, args []string) (string, error)
}

func (f *fakeRunner) run(_ context.Context, bin string, args ...string) (string, error) {
	f.calls = append(f.calls, bin+" "+strings.Join(args, " "))
	if f.fn != nil {
		return f.fn(bin, args)
	}
	return "", nil
}

func denyRule(src string) *schema.UniversalRule {
	return &schema.UniversalRule{
		RuleID:    uuid.New(),
		Match:     schema.RuleMatch{SrcCIDR: src, Protocol: schema.ProtocolTCP, DstPorts: []int{22, 443}},
		Action:    schema.RuleDeny,
		Priority:  100,
		CreatedAt: time.Now().UTC(),
	}
}

func nftTestConfig() config.NftablesConfig {
	return config.NftablesConfig{BinaryPath: "nft", Table: "sentinel", Chain: "sentinel-input"}
}

func TestNFTablesApplyTranslation(t *testing.T) {
	fr := &fakeRunner{}
	a := &NFTables{cfg: nftTestConfig(), run: fr}
	rule := denyRule("203.0.113.9/32")

	nativeID, err := a.Apply(context.Background(), rule)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if nativeID != commentPrefix+rule.RuleID.String() {
		t.Errorf("native id = %s", nativeID)
	}

	var addRule string
	for _, call := range fr.calls {
		if strings.Contains(call, "add rule") {
			addRule = call
		}
	}
	if addRule == "" {
		t.Fatalf("no add rule call in %v", fr.calls)
	}
	for _, want := range []string{"ip saddr 203.0.113.9/32", "tcp dport {22,443}", "drop", nativeID} {
		if !strings.Contains(addRule, want) {
			t.Errorf("add rule %q missing %q", addRule, want)
		}
	}
}

func TestNFTablesApplyIdempotent(t *testing.T) {
	rule := denyRule("203.0.113.9/32")
	nativeID := commentPrefix + rule.RuleID.String()

	fr := &fakeRunner{fn: func(_ string, args []string) (string, error) {
		if args[0] == "-a" {
			return fmt.Sprintf("\t\tip saddr 203.0.113.9/32 drop comment \"%s\" # handle 7\n", nativeID), nil
		}
		return "", nil
	}}
	a := &NFTables{cfg: nftTestConfig(), run: fr}

	got, err := a.Apply(context.Background(), rule)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != nativeID {
		t.Errorf("native id = %s", got)
	}
	for _, call := range fr.calls {
		if strings.Contains(call, "add rule") {
			t.Errorf("already-present rule was re-added: %s", call)
		}
	}
}

func TestNFTablesRemoveByHandle(t *testing.T) {
	rule := denyRule("203.0.113.9/32")
	nativeID := commentPrefix + rule.RuleID.String()

	fr := &fakeRunner{fn: func(_ string, args []string) (string, error) {
		if args[0] == "-a" {
			return fmt.Sprintf("\t\tip saddr 203.0.113.9/32 drop comment \"%s\" # handle 42\n", nativeID), nil
		}
		return "", nil
	}}
	a := &NFTables{cfg: nftTestConfig(), run: fr}

	if err := a.Remove(context.Background(), nativeID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	found := false
	for _, call := range fr.calls {
		if strings.Contains(call, "delete rule inet sentinel sentinel-input handle 42") {
			found = true
		}
	}
	if !found {
		t.Errorf("no delete by handle in %v", fr.calls)
	}
}

func TestNFTablesRateLimitExpression(t *testing.T) {
	a := &NFTables{cfg: nftTestConfig(), run: &fakeRunner{}}
	rule := &schema.UniversalRule{
		RuleID:  uuid.New(),
		Match:   schema.RuleMatch{SrcCIDR: "198.51.100.0/24"},
		Action:  schema.RuleRateLimit,
		RatePPS: 100,
	}
	expr, err := a.expression(rule)
	if err != nil {
		t.Fatalf("expression() error = %v", err)
	}
	joined := strings.Join(expr, " ")
	if !strings.Contains(joined, "limit rate over 100/second drop") {
		t.Errorf("expression = %q", joined)
	}
}

func TestIPTablesSplitsPortsIntoCompoundID(t *testing.T) {
	fr := &fakeRunner{fn: func(_ string, args []string) (string, error) {
		if len(args) == 2 && args[0] == "-S" {
			return "", nil
		}
		return "", nil
	}}
	a := &IPTables{cfg: config.IptablesConfig{BinaryPath: "iptables", Chain: "SENTINEL"}, run: fr}
	rule := denyRule("203.0.113.9/32")

	nativeID, err := a.Apply(context.Background(), rule)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	parts := strings.Split(nativeID, compoundSep)
	if len(parts) != 2 {
		t.Fatalf("compound id = %q, want one part per port", nativeID)
	}
	base := commentPrefix + rule.RuleID.String()
	if parts[0] != base+"/p22" || parts[1] != base+"/p443" {
		t.Errorf("parts = %v", parts)
	}

	appends := 0
	for _, call := range fr.calls {
		if strings.Contains(call, "-A SENTINEL") {
			appends++
			if !strings.Contains(call, "--dport") || !strings.Contains(call, "-j DROP") {
				t.Errorf("append missing port or target: %s", call)
			}
		}
	}
	if appends != 2 {
		t.Errorf("native appends = %d, want 2", appends)
	}
}

func TestIPTablesRemoveReplaysAppendAsDelete(t *testing.T) {
	base := commentPrefix + uuid.NewString()
	line := fmt.Sprintf("-A SENTINEL -s 203.0.113.9/32 -p tcp --dport 22 -m comment --comment %s/p22 -j DROP", base)

	fr := &fakeRunner{fn: func(_ string, args []string) (string, error) {
		if args[0] == "-S" && len(args) == 2 {
			return line + "\n", nil
		}
		return "", nil
	}}
	a := &IPTables{cfg: config.IptablesConfig{BinaryPath: "iptables", Chain: "SENTINEL"}, run: fr}

	if err := a.Remove(context.Background(), base+"/p22"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	want := strings.Replace(line, "-A ", "-D ", 1)
	found := false
	for _, call := range fr.calls {
		if strings.Contains(call, want) {
			found = true
		}
	}
	if !found {
		t.Errorf("delete not replayed; calls = %v", fr.calls)
	}
}

func TestIPTablesMonitorHasNoJump(t *testing.T) {
	a := &IPTables{cfg: config.IptablesConfig{BinaryPath: "iptables", Chain: "SENTINEL"}, run: &fakeRunner{}}
	parts, err := a.parts(&schema.UniversalRule{
		RuleID: uuid.New(),
		Match:  schema.RuleMatch{SrcCIDR: "203.0.113.9/32"},
		Action: schema.RuleMonitor,
	})
	if err != nil {
		t.Fatalf("parts() error = %v", err)
	}
	spec := strings.Join(parts[0].spec, " ")
	if strings.Contains(spec, "-j") {
		t.Errorf("monitor rule jumps: %s", spec)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want schema.OutcomeCode
	}{
		{"nil is ok", nil, schema.OutcomeOK},
		{"tagged transient", Transient(errors.New("x")), schema.OutcomeTransient},
		{"tagged permanent", Permanent(errors.New("x")), schema.OutcomePermanent},
		{"tagged unreachable", Unreachable(errors.New("x")), schema.OutcomeUnreachable},
		{"untagged defaults transient", errors.New("x"), schema.OutcomeTransient},
		{"wrapped keeps code", fmt.Errorf("outer: %w", Permanent(errors.New("x"))), schema.OutcomePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

// downAdapter fails its health probe until told otherwise.
type downAdapter struct {
	name string
	up   bool
}

func (d *downAdapter) Name() string { return d.name }
func (d *downAdapter) Apply(context.Context, *schema.UniversalRule) (string, error) {
	return "", Unreachable(errors.New("down"))
}
func (d *downAdapter) Remove(context.Context, string) error      { return nil }
func (d *downAdapter) Query(context.Context, string) (bool, error) { return false, nil }
func (d *downAdapter) List(context.Context) ([]string, error)    { return nil, nil }
func (d *downAdapter) Healthy(context.Context) error {
	if d.up {
		return nil
	}
	return errors.New("down")
}

func TestRegistryPauseAndProbe(t *testing.T) {
	r := &Registry{
		cfg:    config.AdaptersConfig{},
		logger: testLogger(),
		paused: make(map[string]bool),
		done:   make(chan struct{}),
	}
	d := &downAdapter{name: "flaky"}
	r.Register(d)

	if got := len(r.Available()); got != 1 {
		t.Fatalf("available = %d", got)
	}

	r.Pause("flaky")
	if got := len(r.Available()); got != 0 {
		t.Errorf("paused adapter still available")
	}

	// Probe while down keeps it paused; once up it resumes.
	r.probe(context.Background())
	if !r.Paused("flaky") {
		t.Error("probe resumed a dead adapter")
	}
	d.up = true
	r.probe(context.Background())
	if r.Paused("flaky") {
		t.Error("probe did not resume a healthy adapter")
	}
}

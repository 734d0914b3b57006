package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/orchestrator"
	"sentinel-core/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ruleEvent(typ orchestrator.EventType, action schema.Action, confidence float64) orchestrator.RuleEvent {
	return orchestrator.RuleEvent{
		Type: typ,
		Decision: &schema.Decision{
			DecisionID:  uuid.New(),
			DetectionID: uuid.New(),
			Action:      action,
			Confidence:  confidence,
			Detection: &schema.Detection{
				AggregateScore: 0.9,
				AggregateLabel: schema.LabelThreat,
				FeatureVector: &schema.FeatureVector{
					Context: schema.FeatureContext{SrcAddr: "203.0.113.9"},
				},
			},
		},
		Snapshot: &orchestrator.Snapshot{
			Rule: schema.UniversalRule{
				RuleID: uuid.New(),
				Match:  schema.RuleMatch{SrcCIDR: "203.0.113.9/32"},
				Action: schema.RuleDeny,
			},
			Lifecycle: schema.RuleActive,
		},
	}
}

func TestSeverityDerivation(t *testing.T) {
	tests := []struct {
		name string
		ev   orchestrator.RuleEvent
		want Severity
	}{
		{"quarantine is critical", ruleEvent(orchestrator.EventApplied, schema.ActionQuarantineLong, 0.7), SeverityCritical},
		{"deny is high", ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.7), SeverityHigh},
		{"confident deny is critical", ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.95), SeverityCritical},
		{"rate limit is medium", ruleEvent(orchestrator.EventApplied, schema.ActionRateLimitMed, 0.7), SeverityMedium},
		{"monitor is low", ruleEvent(orchestrator.EventApplied, schema.ActionMonitor, 0.7), SeverityLow},
		{"failed enforcement is at least high", ruleEvent(orchestrator.EventFailed, schema.ActionMonitor, 0.7), SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := severityFor(tt.ev); got != tt.want {
				t.Errorf("severityFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAlertFromRuleEvent(t *testing.T) {
	ev := ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.8)
	a := fromRuleEvent(ev)

	if a.SrcAddr != "203.0.113.9" {
		t.Errorf("src = %s", a.SrcAddr)
	}
	if a.RuleID != ev.Snapshot.Rule.RuleID || a.DecisionID != ev.Decision.DecisionID {
		t.Error("identifiers not carried over")
	}
	if !strings.Contains(a.Summary, "deny applied to 203.0.113.9") {
		t.Errorf("summary = %s", a.Summary)
	}
}

// recordingSink captures alerts and can be scripted to fail.
type recordingSink struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testRouter(cfg config.AlertingConfig) (*Router, *metrics.Pipeline) {
	m := metrics.NewPipeline()
	return NewRouter(cfg, nil, m, testLogger()), m
}

func TestRouterDeduplicatesWithinWindow(t *testing.T) {
	r, m := testRouter(config.AlertingConfig{DedupWindow: time.Minute, MinSeverity: "low"})
	sink := &recordingSink{}
	r.AddSink(sink)

	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.8))
	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.8))
	r.Close()

	if sink.count() != 1 {
		t.Errorf("delivered = %d, want 1", sink.count())
	}
	if got := testutil.ToFloat64(m.AlertsSuppressed); got != 1 {
		t.Errorf("alerts_suppressed_total = %v", got)
	}
}

func TestRouterDistinctActionsBothDeliver(t *testing.T) {
	r, _ := testRouter(config.AlertingConfig{DedupWindow: time.Minute, MinSeverity: "low"})
	sink := &recordingSink{}
	r.AddSink(sink)

	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.8))
	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionRateLimitMed, 0.8))
	r.Close()

	if sink.count() != 2 {
		t.Errorf("delivered = %d, want 2", sink.count())
	}
}

func TestRouterSeverityFloor(t *testing.T) {
	r, _ := testRouter(config.AlertingConfig{DedupWindow: time.Minute, MinSeverity: "high"})
	sink := &recordingSink{}
	r.AddSink(sink)

	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionRateLimitMed, 0.8))
	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.8))
	r.Close()

	if sink.count() != 1 {
		t.Errorf("delivered = %d, want only the deny", sink.count())
	}
}

func TestRouterIgnoresExpiry(t *testing.T) {
	r, _ := testRouter(config.AlertingConfig{DedupWindow: time.Minute, MinSeverity: "low"})
	sink := &recordingSink{}
	r.AddSink(sink)

	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventExpired, schema.ActionDeny, 0.8))
	r.Close()

	if sink.count() != 0 {
		t.Errorf("delivered = %d for an expiry", sink.count())
	}
}

func TestRouterSinkFailureCountedNotPropagated(t *testing.T) {
	r, m := testRouter(config.AlertingConfig{DedupWindow: time.Minute, MinSeverity: "low"})
	r.AddSink(&recordingSink{err: errors.New("webhook down")})

	r.RuleEvent(context.Background(), ruleEvent(orchestrator.EventApplied, schema.ActionDeny, 0.8))
	r.Close()

	if got := testutil.ToFloat64(m.SinkErrors.WithLabelValues("recording")); got != 1 {
		t.Errorf("sink_errors_total = %v", got)
	}
	if got := testutil.ToFloat64(m.AlertsPublished.WithLabelValues("high")); got != 1 {
		t.Errorf("alerts_published_total = %v", got)
	}
}

func TestWebhookSinkPosts(t *testing.T) {
	var body []byte
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		contentType = req.Header.Get("Content-Type")
		body, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink("hook", srv.URL, time.Second)
	err := sink.Send(context.Background(), &Alert{AlertID: uuid.New(), Severity: SeverityHigh, Summary: "x"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if contentType != "application/json" || !strings.Contains(string(body), "\"severity\":\"high\"") {
		t.Errorf("posted %s %s", contentType, body)
	}
}

func TestWebhookSinkRejectsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink("hook", srv.URL, time.Second)
	if err := sink.Send(context.Background(), &Alert{AlertID: uuid.New()}); err == nil {
		t.Error("Send() accepted a 500")
	}
}

func TestMemoryDedupWindowExpiry(t *testing.T) {
	d := newMemoryDedup()
	if d.Seen(context.Background(), "k", 10*time.Millisecond) {
		t.Error("first sight reported seen")
	}
	if !d.Seen(context.Background(), "k", 10*time.Millisecond) {
		t.Error("second sight inside window reported unseen")
	}
	time.Sleep(15 * time.Millisecond)
	if d.Seen(context.Background(), "k", 10*time.Millisecond) {
		t.Error("sight after window reported seen")
	}
}

package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"sentinel-core/internal/bus"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/orchestrator"
)

// counter is implemented by dedupers that also track per-source alert
// totals.
type counter interface {
	CountAlert(ctx context.Context, srcAddr string, window time.Duration)
}

// Router receives rule lifecycle events, derives alerts, suppresses
// duplicates, and fans the rest out to the bus and the sinks. Sink
// failures are counted and never propagate upstream.
type Router struct {
	cfg     config.AlertingConfig
	bus     bus.Bus
	sinks   []Sink
	dedup   deduper
	metrics *metrics.Pipeline
	logger  *slog.Logger

	minRank int
	wg      sync.WaitGroup
}

// NewRouter builds the router. The Redis deduper is used when
// configured; otherwise suppression is instance-local.
func NewRouter(cfg config.AlertingConfig, b bus.Bus, m *metrics.Pipeline, logger *slog.Logger) *Router {
	r := &Router{
		cfg:     cfg,
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "alerting"),
		minRank: Severity(cfg.MinSeverity).Rank(),
	}
	if cfg.Redis.Enabled {
		r.dedup = newRedisDedup(cfg.Redis, r.logger)
	} else {
		r.dedup = newMemoryDedup()
	}
	for _, url := range cfg.Webhooks {
		r.sinks = append(r.sinks, NewWebhookSink("webhook", url, cfg.SinkTimeout))
	}
	return r
}

// AddSink attaches an extra sink. Not safe after the first event.
func (r *Router) AddSink(s Sink) { r.sinks = append(r.sinks, s) }

// RuleEvent implements orchestrator.Observer.
func (r *Router) RuleEvent(ctx context.Context, ev orchestrator.RuleEvent) {
	// Expiry and dedupe are routine housekeeping, not operator-worthy.
	if ev.Type == orchestrator.EventExpired || ev.Type == orchestrator.EventDeduped {
		return
	}
	r.Publish(ctx, fromRuleEvent(ev))
}

// Publish runs an alert through the severity floor and dedup, then
// delivers it.
func (r *Router) Publish(ctx context.Context, a *Alert) {
	if a.Severity.Rank() < r.minRank {
		return
	}
	if r.dedup.Seen(ctx, dedupKey(a, r.cfg.DedupWindow), r.cfg.DedupWindow) {
		r.metrics.AlertsSuppressed.Inc()
		return
	}
	if c, ok := r.dedup.(counter); ok && a.SrcAddr != "" {
		c.CountAlert(ctx, a.SrcAddr, r.cfg.DedupWindow)
	}
	r.metrics.AlertsPublished.WithLabelValues(string(a.Severity)).Inc()
	r.logger.Info("alert published",
		"severity", a.Severity, "event", a.Event,
		"src_addr", a.SrcAddr, "action", a.Action)

	if r.bus != nil {
		payload, err := json.Marshal(a)
		if err == nil {
			if err := r.bus.Publish(ctx, bus.TopicAlerts, []byte(a.SrcAddr), payload); err != nil {
				r.metrics.SinkErrors.WithLabelValues("bus").Inc()
				r.logger.Warn("alert bus publish failed", "error", err)
			}
		}
	}

	// Sinks run detached so a slow webhook cannot stall enforcement.
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sinkTimeout())
			defer cancel()
			if err := s.Send(sendCtx, a); err != nil {
				r.metrics.SinkErrors.WithLabelValues(s.Name()).Inc()
				r.logger.Warn("alert sink failed", "sink", s.Name(), "error", err)
			}
		}(s)
	}
}

func (r *Router) sinkTimeout() time.Duration {
	if r.cfg.SinkTimeout > 0 {
		return r.cfg.SinkTimeout
	}
	return 5 * time.Second
}

// Close waits for in-flight deliveries and releases the deduper.
func (r *Router) Close() error {
	r.wg.Wait()
	if c, ok := r.dedup.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

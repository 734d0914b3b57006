package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"sentinel-core/internal/bus"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// Publisher is the shared back half of every listener: validate,
// normalize, deduplicate, publish to the normalized topic. A refused
// publish blocks the listener's worker, which in turn stops reading
// its socket; loss is preferred over unbounded memory growth and is
// counted.
type Publisher struct {
	bus        bus.Bus
	validator  *schema.Validator
	normalizer *Normalizer
	dedup      *Dedup
	cfg        config.IngestConfig
	metrics    *metrics.Pipeline
	logger     *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(b bus.Bus, v *schema.Validator, cfg config.IngestConfig, m *metrics.Pipeline, logger *slog.Logger) (*Publisher, error) {
	dedup, err := NewDedup(cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		bus:        b,
		validator:  v,
		normalizer: NewNormalizer(),
		dedup:      dedup,
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Ingest parses one collector input and publishes the resulting
// records. Malformed inputs are dropped and counted, never returned as
// errors to the listener.
func (p *Publisher) Ingest(ctx context.Context, parser Parser, data []byte, sensorAddr string) {
	records, err := parser.Parse(data, sensorAddr)
	if err != nil {
		p.countParseError(err, parser.Source())
		return
	}
	for _, rec := range records {
		p.publishRecord(ctx, rec)
	}
}

func (p *Publisher) countParseError(err error, fallback schema.SourceKind) {
	source, reason := string(fallback), "unknown"
	if pe, ok := AsParseError(err); ok {
		source, reason = string(pe.Source), pe.Reason
	}
	p.metrics.ParseErrors.WithLabelValues(source, reason).Inc()
	p.logger.Debug("dropped malformed input", "source", source, "reason", reason, "error", err)
}

func (p *Publisher) publishRecord(ctx context.Context, rec *schema.CommonRecord) {
	source := string(rec.Provenance.Origin)

	if err := p.normalizer.Normalize(rec); err != nil {
		p.countParseError(err, rec.Provenance.Origin)
		return
	}
	if err := p.validator.ValidateRecord(rec); err != nil {
		p.metrics.ParseErrors.WithLabelValues(source, ReasonValidation).Inc()
		p.logger.Debug("dropped invalid record", "source", source, "error", err)
		return
	}

	duplicate, evicted := p.dedup.Seen(rec)
	if evicted {
		p.metrics.DedupEvictions.Inc()
	}
	if duplicate {
		p.metrics.RecordsDeduped.Inc()
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		p.logger.Error("record marshal failed", "error", err)
		return
	}

	p.metrics.RecordsParsed.WithLabelValues(source).Inc()

	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= p.cfg.PublishRetries; attempt++ {
		pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err = p.bus.Publish(pubCtx, bus.TopicNormalized, []byte(rec.SrcAddr), payload)
		cancel()
		if err == nil {
			return
		}
		if !errors.Is(err, bus.ErrPublishTimeout) {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = p.cfg.PublishRetries
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	p.metrics.PublishDrops.WithLabelValues(bus.TopicNormalized).Inc()
	p.logger.Warn("dropped record after publish retries", "src_addr", rec.SrcAddr, "error", err)
}

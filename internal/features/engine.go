package features

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel-core/internal/bus"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// sweepInterval bounds how long a passed window can stay open on a key
// that stopped receiving records.
const sweepInterval = time.Second

// keyedRecord is one record routed to the shard owning its key.
type keyedRecord struct {
	key  string
	meta keyMeta
	rec  *schema.CommonRecord
}

// Engine consumes the normalized topic, maintains sharded per-key
// windows, and publishes feature vectors. Each shard is single-writer:
// one goroutine owns its window table, records reach it over a bounded
// channel, and a full channel blocks the bus consumer upstream.
type Engine struct {
	cfg     config.FeaturesConfig
	bus     bus.Bus
	metrics *metrics.Pipeline
	logger  *slog.Logger

	shards []*shard
	wg     sync.WaitGroup
}

type shard struct {
	state *shardState
	in    chan keyedRecord
}

// NewEngine creates the feature engine.
func NewEngine(cfg config.FeaturesConfig, b bus.Bus, m *metrics.Pipeline, logger *slog.Logger) (*Engine, error) {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	e := &Engine{cfg: cfg, bus: b, metrics: m, logger: logger}
	for i := 0; i < cfg.Shards; i++ {
		state, err := newShardState(cfg, m)
		if err != nil {
			return nil, err
		}
		e.shards = append(e.shards, &shard{state: state, in: make(chan keyedRecord, 256)})
	}
	return e, nil
}

// Start subscribes to the normalized topic and runs the shard workers.
func (e *Engine) Start(ctx context.Context) error {
	for _, s := range e.shards {
		e.wg.Add(1)
		go e.runShard(ctx, s)
	}
	return e.bus.Subscribe(ctx, bus.TopicNormalized, "features", e.handleRecord)
}

// Wait blocks until every shard worker has drained after cancellation.
func (e *Engine) Wait() { e.wg.Wait() }

// handleRecord routes one normalized record to the shards of its keys.
// The send blocks when a shard is saturated, which holds the bus offset
// uncommitted and propagates backpressure to the producers.
func (e *Engine) handleRecord(ctx context.Context, msg bus.Message) error {
	var rec schema.CommonRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		// Malformed payloads cannot succeed on redelivery.
		e.logger.Warn("dropping undecodable record", "error", err)
		return nil
	}

	for _, proj := range e.cfg.KeyBy {
		key, meta, ok := projectKey(proj, &rec)
		if !ok {
			continue
		}
		s := e.shards[bus.PartitionFor([]byte(key), len(e.shards))]
		select {
		case s.in <- keyedRecord{key: key, meta: meta, rec: &rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// projectKey applies one configured key projection to a record.
func projectKey(projection string, rec *schema.CommonRecord) (string, keyMeta, bool) {
	switch projection {
	case KeyBySrcAddr:
		return rec.SrcAddr, keyMeta{srcAddr: rec.SrcAddr}, true
	case KeyBySrcAddrDstPort:
		key := fmt.Sprintf("%s|%d", rec.SrcAddr, rec.DstPort)
		return key, keyMeta{srcAddr: rec.SrcAddr, dstPort: rec.DstPort, protocol: rec.Protocol}, true
	case KeyBySrcAddrDstAddr:
		key := rec.SrcAddr + ">" + rec.DstAddr
		return key, keyMeta{srcAddr: rec.SrcAddr, dstAddr: rec.DstAddr}, true
	default:
		return "", keyMeta{}, false
	}
}

func (e *Engine) runShard(ctx context.Context, s *shard) {
	defer e.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case kr := <-s.in:
			emitted, _ := s.state.add(kr.key, kr.meta, kr.rec, time.Now())
			e.publish(ctx, emitted)
		case now := <-ticker.C:
			e.publish(ctx, s.state.sweep(now))
		}
	}
}

// publish sends closed-window vectors to the features topic in close
// order, keyed by window key so downstream ordering per key holds.
func (e *Engine) publish(ctx context.Context, vectors []schema.FeatureVector) {
	for _, fv := range vectors {
		payload, err := json.Marshal(fv)
		if err != nil {
			e.logger.Error("feature vector marshal failed", "error", err)
			continue
		}
		if err := e.bus.Publish(ctx, bus.TopicFeatures, []byte(fv.Context.WindowKey), payload); err != nil {
			e.metrics.PublishDrops.WithLabelValues(bus.TopicFeatures).Inc()
			e.logger.Warn("dropped feature vector", "window_key", fv.Context.WindowKey, "error", err)
		}
	}
}

package features

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// Key projections over CommonRecord.
const (
	KeyBySrcAddr        = "src_addr"
	KeyBySrcAddrDstPort = "src_addr+dst_port"
	KeyBySrcAddrDstAddr = "src_addr+dst_addr"
)

// window is one open aggregation for a key. Only the owning shard
// touches it.
type window struct {
	kind  schema.WindowKind
	spec  config.WindowSpec
	start time.Time
	end   time.Time
	agg   *aggregates

	lastActivity time.Time // wall clock, session gap checks only
}

// keyState holds every open window of one WindowKey.
type keyState struct {
	key     string
	meta    keyMeta
	windows []*window
}

// keyMeta carries the projected tuple fields into the vector context.
type keyMeta struct {
	srcAddr  string
	dstAddr  string
	dstPort  int
	protocol schema.Protocol
}

// shardState is the single-writer window table of one shard. All
// methods must be called from the owning shard goroutine.
type shardState struct {
	specs    []config.WindowSpec
	lateness time.Duration
	metrics  *metrics.Pipeline

	keys      *lru.Cache[string, *keyState]
	watermark time.Time
}

func newShardState(cfg config.FeaturesConfig, m *metrics.Pipeline) (*shardState, error) {
	s := &shardState{
		specs:    cfg.Windows,
		lateness: cfg.AllowedLateness,
		metrics:  m,
	}
	// The callback also fires on explicit removes of drained keys;
	// only a key still holding windows counts as an eviction.
	cache, err := lru.NewWithEvict(cfg.PerKeyMemoryCap, func(_ string, ks *keyState) {
		if len(ks.windows) > 0 {
			s.metrics.WindowsEvicted.Inc()
			s.metrics.WindowsOpen.Sub(float64(len(ks.windows)))
		}
	})
	if err != nil {
		return nil, err
	}
	s.keys = cache
	return s, nil
}

// add folds one record into every window of the key, then closes any
// window of that key the advanced watermark has passed. The returned
// vectors are ordered by the close tie-break.
func (s *shardState) add(key string, meta keyMeta, rec *schema.CommonRecord, now time.Time) (emitted []schema.FeatureVector, late bool) {
	if !s.watermark.IsZero() && rec.TEnd.Before(s.watermark.Add(-s.lateness)) {
		s.metrics.LateRecords.Inc()
		return nil, true
	}
	if rec.TEnd.After(s.watermark) {
		s.watermark = rec.TEnd
	}

	ks, ok := s.keys.Get(key)
	if !ok {
		ks = &keyState{key: key, meta: meta}
		s.keys.Add(key, ks)
	}

	for _, spec := range s.specs {
		for _, w := range s.assign(ks, spec, rec.TEnd, now) {
			w.agg.add(rec)
			w.lastActivity = now
		}
	}

	return s.closeKey(ks, now), false
}

// assign returns the windows of one spec that the record belongs to,
// creating them as needed.
func (s *shardState) assign(ks *keyState, spec config.WindowSpec, tEnd, now time.Time) []*window {
	switch spec.Kind {
	case schema.WindowTumbling:
		start := tEnd.Truncate(spec.Span)
		return []*window{s.findOrOpen(ks, spec, start, start.Add(spec.Span), now)}

	case schema.WindowSliding:
		var ws []*window
		start := tEnd.Truncate(spec.Slide)
		for start.Add(spec.Span).After(tEnd) {
			ws = append(ws, s.findOrOpen(ks, spec, start, start.Add(spec.Span), now))
			start = start.Add(-spec.Slide)
		}
		return ws

	case schema.WindowSession:
		for _, w := range ks.windows {
			if w.kind == schema.WindowSession && w.spec.Gap == spec.Gap {
				if tEnd.After(w.end) {
					w.end = tEnd
				}
				return []*window{w}
			}
		}
		w := &window{kind: spec.Kind, spec: spec, start: tEnd, end: tEnd, agg: newAggregates()}
		ks.windows = append(ks.windows, w)
		s.metrics.WindowsOpen.Inc()
		return []*window{w}
	}
	return nil
}

func (s *shardState) findOrOpen(ks *keyState, spec config.WindowSpec, start, end, now time.Time) *window {
	for _, w := range ks.windows {
		if w.kind == spec.Kind && w.spec.Span == spec.Span && w.start.Equal(start) {
			return w
		}
	}
	w := &window{kind: spec.Kind, spec: spec, start: start, end: end, agg: newAggregates()}
	ks.windows = append(ks.windows, w)
	s.metrics.WindowsOpen.Inc()
	return w
}

// closeKey closes every tumbling and sliding window of the key that
// the watermark has passed, lateness included.
func (s *shardState) closeKey(ks *keyState, now time.Time) []schema.FeatureVector {
	var closing []*window
	kept := ks.windows[:0]
	for _, w := range ks.windows {
		if w.kind != schema.WindowSession && !w.end.Add(s.lateness).After(s.watermark) {
			closing = append(closing, w)
		} else {
			kept = append(kept, w)
		}
	}
	ks.windows = kept
	if len(ks.windows) == 0 {
		s.keys.Remove(ks.key)
	}
	return s.materialize(ks, closing, now)
}

// sweep closes passed windows across every key of the shard and expires
// idle session windows by wall clock.
func (s *shardState) sweep(now time.Time) []schema.FeatureVector {
	var out []schema.FeatureVector
	for _, key := range s.keys.Keys() {
		ks, ok := s.keys.Peek(key)
		if !ok {
			continue
		}
		var closing []*window
		kept := ks.windows[:0]
		for _, w := range ks.windows {
			expired := false
			if w.kind == schema.WindowSession {
				expired = w.agg.count > 0 && now.Sub(w.lastActivity) >= w.spec.Gap
			} else {
				expired = !w.end.Add(s.lateness).After(s.watermark)
			}
			if expired {
				closing = append(closing, w)
			} else {
				kept = append(kept, w)
			}
		}
		ks.windows = kept
		if len(ks.windows) == 0 {
			s.keys.Remove(key)
		}
		out = append(out, s.materialize(ks, closing, now)...)
	}
	return out
}

func (s *shardState) materialize(ks *keyState, closing []*window, now time.Time) []schema.FeatureVector {
	if len(closing) == 0 {
		return nil
	}
	sort.Slice(closing, func(i, j int) bool {
		if closing[i].kind != closing[j].kind {
			return closing[i].kind.CloseOrder() < closing[j].kind.CloseOrder()
		}
		return closing[i].start.Before(closing[j].start)
	})

	out := make([]schema.FeatureVector, 0, len(closing))
	for _, w := range closing {
		start, end := w.start, w.end
		if w.kind == schema.WindowSession {
			// Session span covers the observed records, not the gap.
			start, end = w.agg.firstTEnd, w.agg.maxTEnd
		}
		out = append(out, schema.FeatureVector{
			Values: w.agg.vector(start, end),
			Context: schema.FeatureContext{
				WindowKey:   ks.key,
				WindowKind:  w.kind,
				WindowStart: start,
				WindowEnd:   end,
				SrcAddr:     ks.meta.srcAddr,
				DstAddr:     ks.meta.dstAddr,
				DstPort:     ks.meta.dstPort,
				Protocol:    ks.meta.protocol,
				RecordCount: int(w.agg.count),
			},
			Emitted: now.UTC(),
		})
		s.metrics.WindowsOpen.Dec()
		s.metrics.WindowsClosed.WithLabelValues(string(w.kind)).Inc()
	}
	return out
}

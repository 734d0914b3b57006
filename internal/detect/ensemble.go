package detect

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

// detectorFactories maps manifest detector names to constructors.
var detectorFactories = map[string]func(*artifact.Bundle) (Detector, error){
	DetectorBoostedStumps:   newBoostedStumps,
	DetectorSequenceMarkov:  newSequenceMarkov,
	DetectorIsolationForest: newIsolationForest,
	DetectorAutoencoder:     newAutoencoder,
}

// Ensemble combines detector verdicts into one Detection per vector.
// Immutable after construction; a bundle reload builds a new Ensemble.
type Ensemble struct {
	detectors []Detector
	weights   map[string]float64
	threshold float64
	metrics   *metrics.Pipeline
	logger    *slog.Logger
}

// NewEnsemble builds every detector named by the bundle and resolves
// the combination weights. Config overrides beat bundle metadata.
func NewEnsemble(cfg config.EnsembleConfig, bundle *artifact.Bundle, m *metrics.Pipeline, logger *slog.Logger) (*Ensemble, error) {
	names := make([]string, 0, len(bundle.Detectors))
	for name := range bundle.Detectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var detectors []Detector
	for _, name := range names {
		factory, ok := detectorFactories[name]
		if !ok {
			return nil, fmt.Errorf("bundle %s names unknown detector %q", bundle.BundleID, name)
		}
		d, err := factory(bundle)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	if len(detectors) == 0 {
		return nil, fmt.Errorf("bundle %s carries no detectors", bundle.BundleID)
	}

	weights := make(map[string]float64, len(detectors))
	var sum float64
	for _, d := range detectors {
		w, ok := bundle.Ensemble.Weights[d.ID()]
		if override, has := cfg.Weights[d.ID()]; has {
			w, ok = override, true
		}
		if !ok {
			w = 1
		}
		weights[d.ID()] = w
		sum += w
	}
	if sum <= 0 {
		return nil, fmt.Errorf("ensemble weights sum to %v", sum)
	}
	for id := range weights {
		weights[id] /= sum
	}

	threshold := bundle.Ensemble.Threshold
	if cfg.Threshold > 0 {
		threshold = cfg.Threshold
	}

	return &Ensemble{
		detectors: detectors,
		weights:   weights,
		threshold: threshold,
		metrics:   m,
		logger:    logger,
	}, nil
}

// Threshold returns the decision threshold in use.
func (e *Ensemble) Threshold() float64 { return e.threshold }

// Evaluate scores one feature vector through every detector. A failing
// detector has its weight redistributed across the survivors; if every
// detector fails the Detection carries a NaN score and the unknown
// label, which downstream treats as monitor-only.
func (e *Ensemble) Evaluate(ctx context.Context, fv *schema.FeatureVector) (*schema.Detection, error) {
	start := time.Now()
	defer func() { e.metrics.ScoringSeconds.Observe(time.Since(start).Seconds()) }()

	verdicts := make([]schema.DetectorVerdict, 0, len(e.detectors))
	degraded := false
	var weighted, usedWeight float64

	for _, d := range e.detectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := d.Predict(fv)
		if err != nil {
			e.metrics.DetectorFailures.WithLabelValues(d.ID()).Inc()
			e.logger.Warn("detector failed", "detector", d.ID(), "error", err)
			degraded = true
			continue
		}
		verdicts = append(verdicts, v)
		w := e.weights[d.ID()]
		weighted += w * v.Score
		usedWeight += w
	}

	det := &schema.Detection{
		DetectionID:   uuid.New(),
		FeatureVector: fv,
		Verdicts:      verdicts,
		Degraded:      degraded,
		DecidedAt:     time.Now().UTC(),
	}

	if usedWeight == 0 {
		det.AggregateScore = math.NaN()
		det.AggregateLabel = schema.LabelUnknown
	} else {
		det.AggregateScore = weighted / usedWeight
		if det.AggregateScore >= e.threshold {
			det.AggregateLabel = schema.LabelThreat
		} else {
			det.AggregateLabel = schema.LabelBenign
		}
	}

	e.metrics.Detections.WithLabelValues(string(det.AggregateLabel)).Inc()
	return det, nil
}

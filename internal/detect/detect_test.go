package detect

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/config"
	"sentinel-core/internal/metrics"
	"sentinel-core/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testVector returns a zero vector with selected slots set by name.
func testVector(t *testing.T, slots map[string]float64) *schema.FeatureVector {
	t.Helper()
	values := make([]float64, schema.FeatureDim)
	for name, v := range slots {
		found := false
		for i, s := range schema.FeatureSlots {
			if s.Name == name {
				values[i] = v
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("no slot named %s", name)
		}
	}
	return &schema.FeatureVector{Values: values}
}

func slotIndex(t *testing.T, name string) int {
	t.Helper()
	for i, s := range schema.FeatureSlots {
		if s.Name == name {
			return i
		}
	}
	t.Fatalf("no slot named %s", name)
	return -1
}

func bundleWith(t *testing.T, detectors map[string]any) *artifact.Bundle {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(detectors))
	for name, params := range detectors {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params for %s: %v", name, err)
		}
		raw[name] = data
	}
	return &artifact.Bundle{
		BundleID:   "test-bundle",
		FeatureDim: schema.FeatureDim,
		Ensemble:   artifact.EnsembleParams{Weights: map[string]float64{}, Threshold: 0.5},
		Detectors:  raw,
	}
}

func TestBoostedStumpsPredict(t *testing.T) {
	syn := slotIndex(t, "syn_ratio")
	b := bundleWith(t, map[string]any{
		DetectorBoostedStumps: boostedParams{
			Bias: 0,
			Stumps: []stump{
				{Slot: syn, Threshold: 0.8, Left: -2, Right: 2},
			},
		},
	})
	d, err := newBoostedStumps(b)
	if err != nil {
		t.Fatalf("newBoostedStumps() error = %v", err)
	}

	v, err := d.Predict(testVector(t, map[string]float64{"syn_ratio": 0.95}))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	want := 1 / (1 + math.Exp(-2))
	if math.Abs(v.Score-want) > 1e-9 {
		t.Errorf("score = %v, want sigmoid(2) = %v", v.Score, want)
	}
	if v.Label != schema.LabelThreat {
		t.Errorf("label = %s", v.Label)
	}
	if v.Contributions["syn_ratio"] != 2 {
		t.Errorf("contributions = %v", v.Contributions)
	}

	v, err = d.Predict(testVector(t, map[string]float64{"syn_ratio": 0.1}))
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if v.Label != schema.LabelBenign {
		t.Errorf("benign side label = %s, score %v", v.Label, v.Score)
	}
}

func TestBoostedStumpsRejectsBadSlot(t *testing.T) {
	b := bundleWith(t, map[string]any{
		DetectorBoostedStumps: boostedParams{Stumps: []stump{{Slot: schema.FeatureDim}}},
	})
	if _, err := newBoostedStumps(b); err == nil {
		t.Error("accepted a stump outside the slot layout")
	}
}

func TestSequenceMarkovScoreRange(t *testing.T) {
	bins := make([][]float64, schema.FeatureDim)
	for i := range bins {
		bins[i] = []float64{0.5}
	}
	b := bundleWith(t, map[string]any{
		DetectorSequenceMarkov: markovParams{
			Bins: bins,
			Transitions: [][]float64{
				{0.9, 0.1},
				{0.1, 0.9},
			},
			Floor: 1e-4,
		},
	})
	d, err := newSequenceMarkov(b)
	if err != nil {
		t.Fatalf("newSequenceMarkov() error = %v", err)
	}

	// All slots in the same state ride the high-probability diagonal.
	steady, err := d.Predict(&schema.FeatureVector{Values: make([]float64, schema.FeatureDim)})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	// Alternating states take the improbable transition every step.
	values := make([]float64, schema.FeatureDim)
	for i := range values {
		if i%2 == 1 {
			values[i] = 1
		}
	}
	flapping, err := d.Predict(&schema.FeatureVector{Values: values})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if steady.Score >= flapping.Score {
		t.Errorf("steady %v should score below flapping %v", steady.Score, flapping.Score)
	}
	for _, v := range []schema.DetectorVerdict{steady, flapping} {
		if v.Score < 0 || v.Score > 1 {
			t.Errorf("score %v outside [0,1]", v.Score)
		}
	}
}

func TestIsolationForestShortPathScoresHigher(t *testing.T) {
	pkt := slotIndex(t, "packet_count")
	// Root splits on packet_count; the high side is a lone leaf, the
	// low side descends twice more before a populated leaf.
	tree := isoTree{Nodes: []isoNode{
		{Slot: pkt, Threshold: 1000, Left: 1, Right: -1, Size: 1},
		{Slot: pkt, Threshold: 500, Left: 2, Right: -1, Size: 64},
		{Slot: pkt, Threshold: 100, Left: -1, Right: -1, Size: 128},
	}}
	b := bundleWith(t, map[string]any{
		DetectorIsolationForest: forestParams{Subsample: 256, Trees: []isoTree{tree}},
	})
	d, err := newIsolationForest(b)
	if err != nil {
		t.Fatalf("newIsolationForest() error = %v", err)
	}

	outlier, err := d.Predict(testVector(t, map[string]float64{"packet_count": 5000}))
	if err != nil {
		t.Fatal(err)
	}
	inlier, err := d.Predict(testVector(t, map[string]float64{"packet_count": 50}))
	if err != nil {
		t.Fatal(err)
	}
	if outlier.Score <= inlier.Score {
		t.Errorf("outlier %v should score above inlier %v", outlier.Score, inlier.Score)
	}
}

func TestAutoencoderReconstructionError(t *testing.T) {
	dim := schema.FeatureDim
	zeros := func(n int) []float64 { return make([]float64, n) }
	rows := func(n, m int) [][]float64 {
		out := make([][]float64, n)
		for i := range out {
			out[i] = make([]float64, m)
		}
		return out
	}
	ones := func(n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	// All-zero weights reconstruct the zero vector exactly.
	b := bundleWith(t, map[string]any{
		DetectorAutoencoder: autoencoderParams{
			W1: rows(4, dim), B1: zeros(4),
			W2: rows(dim, 4), B2: zeros(dim),
			Means: zeros(dim), Stds: ones(dim),
			Scale: 1,
		},
	})
	d, err := newAutoencoder(b)
	if err != nil {
		t.Fatalf("newAutoencoder() error = %v", err)
	}

	clean, err := d.Predict(&schema.FeatureVector{Values: make([]float64, dim)})
	if err != nil {
		t.Fatal(err)
	}
	if clean.Score != 0 {
		t.Errorf("perfect reconstruction score = %v, want 0", clean.Score)
	}

	noisy, err := d.Predict(testVector(t, map[string]float64{"packet_count": 100}))
	if err != nil {
		t.Fatal(err)
	}
	if noisy.Score <= clean.Score {
		t.Errorf("unreconstructable input scored %v, want above %v", noisy.Score, clean.Score)
	}
}

// stubDetector gives the ensemble a fixed score or failure.
type stubDetector struct {
	id    string
	score float64
	err   error
}

func (s *stubDetector) ID() string { return s.id }
func (s *stubDetector) Predict(*schema.FeatureVector) (schema.DetectorVerdict, error) {
	if s.err != nil {
		return schema.DetectorVerdict{}, s.err
	}
	return verdict(s.id, s.score, nil), nil
}

func stubEnsemble(threshold float64, weights map[string]float64, detectors ...Detector) *Ensemble {
	return &Ensemble{
		detectors: detectors,
		weights:   weights,
		threshold: threshold,
		metrics:   metrics.NewPipeline(),
		logger:    testLogger(),
	}
}

func TestEnsembleWeightedCombination(t *testing.T) {
	e := stubEnsemble(0.5,
		map[string]float64{"a": 0.75, "b": 0.25},
		&stubDetector{id: "a", score: 0.8},
		&stubDetector{id: "b", score: 0.2},
	)

	det, err := e.Evaluate(context.Background(), testVector(t, nil))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	want := 0.75*0.8 + 0.25*0.2
	if math.Abs(det.AggregateScore-want) > 1e-9 {
		t.Errorf("aggregate = %v, want %v", det.AggregateScore, want)
	}
	if det.AggregateLabel != schema.LabelThreat {
		t.Errorf("label = %s", det.AggregateLabel)
	}
	if det.Degraded {
		t.Error("clean evaluation flagged degraded")
	}
	if len(det.Verdicts) != 2 {
		t.Errorf("verdicts = %d", len(det.Verdicts))
	}
}

func TestEnsembleRedistributesFailedWeight(t *testing.T) {
	e := stubEnsemble(0.5,
		map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2},
		&stubDetector{id: "a", score: 0.9},
		&stubDetector{id: "b", err: errors.New("model exploded")},
		&stubDetector{id: "c", score: 0.5},
	)

	det, err := e.Evaluate(context.Background(), testVector(t, nil))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	// The failed 0.3 is shared proportionally by renormalizing over
	// the surviving 0.7.
	want := (0.5*0.9 + 0.2*0.5) / 0.7
	if math.Abs(det.AggregateScore-want) > 1e-9 {
		t.Errorf("aggregate = %v, want %v", det.AggregateScore, want)
	}
	if !det.Degraded {
		t.Error("partial failure not flagged degraded")
	}
	if len(det.Verdicts) != 2 {
		t.Errorf("verdicts = %d, want only the survivors", len(det.Verdicts))
	}
}

func TestEnsembleAllDetectorsFail(t *testing.T) {
	e := stubEnsemble(0.5,
		map[string]float64{"a": 0.5, "b": 0.5},
		&stubDetector{id: "a", err: errors.New("down")},
		&stubDetector{id: "b", err: errors.New("down")},
	)

	det, err := e.Evaluate(context.Background(), testVector(t, nil))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !math.IsNaN(det.AggregateScore) {
		t.Errorf("aggregate = %v, want NaN", det.AggregateScore)
	}
	if det.AggregateLabel != schema.LabelUnknown {
		t.Errorf("label = %s, want unknown", det.AggregateLabel)
	}
	if det.Scored() {
		t.Error("Scored() = true with every detector down")
	}
}

func TestEnsembleCancellation(t *testing.T) {
	e := stubEnsemble(0.5, map[string]float64{"a": 1}, &stubDetector{id: "a", score: 0.5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Evaluate(ctx, testVector(t, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("Evaluate() error = %v, want context.Canceled", err)
	}
}

func TestNewEnsembleFromBundle(t *testing.T) {
	syn := slotIndex(t, "syn_ratio")
	b := bundleWith(t, map[string]any{
		DetectorBoostedStumps: boostedParams{Stumps: []stump{{Slot: syn, Threshold: 0.5, Left: -1, Right: 1}}},
	})
	b.Ensemble.Weights = map[string]float64{DetectorBoostedStumps: 0.35}

	e, err := NewEnsemble(config.EnsembleConfig{}, b, metrics.NewPipeline(), testLogger())
	if err != nil {
		t.Fatalf("NewEnsemble() error = %v", err)
	}
	// A single detector normalizes to weight 1 regardless of metadata.
	if got := e.weights[DetectorBoostedStumps]; got != 1 {
		t.Errorf("normalized weight = %v", got)
	}
	if e.Threshold() != 0.5 {
		t.Errorf("threshold = %v", e.Threshold())
	}
}

func TestNewEnsembleUnknownDetector(t *testing.T) {
	b := bundleWith(t, map[string]any{"phantom": map[string]any{}})
	if _, err := NewEnsemble(config.EnsembleConfig{}, b, metrics.NewPipeline(), testLogger()); err == nil {
		t.Error("accepted a bundle naming an unknown detector")
	}
}

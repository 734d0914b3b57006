// Package detect runs the detection ensemble: heterogeneous detectors
// scoring feature vectors, combined into a single Detection.
package detect

import (
	"fmt"

	"sentinel-core/internal/schema"
)

// Detector IDs as they appear in artifact manifests.
const (
	DetectorBoostedStumps   = "boosted_stumps"
	DetectorSequenceMarkov  = "sequence_markov"
	DetectorIsolationForest = "isolation_forest"
	DetectorAutoencoder     = "autoencoder"
)

// Detector scores one feature vector. Implementations are pure with
// respect to the vector; all state is loaded from the artifact at
// construction and never mutated afterwards.
type Detector interface {
	ID() string
	Predict(fv *schema.FeatureVector) (schema.DetectorVerdict, error)
}

// DetectorError wraps a detector failure so the ensemble can
// redistribute its weight and keep scoring.
type DetectorError struct {
	DetectorID string
	Err        error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s: %v", e.DetectorID, e.Err)
}

func (e *DetectorError) Unwrap() error { return e.Err }

// verdict assembles the common verdict shape from a score in [0,1].
func verdict(id string, score float64, contributions map[string]float64) schema.DetectorVerdict {
	label := schema.LabelBenign
	if score >= 0.5 {
		label = schema.LabelThreat
	}
	confidence := score - 0.5
	if confidence < 0 {
		confidence = -confidence
	}
	return schema.DetectorVerdict{
		DetectorID:    id,
		Score:         clamp01(score),
		Label:         label,
		Confidence:    clamp01(confidence * 2),
		Contributions: contributions,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func checkDim(id string, fv *schema.FeatureVector) error {
	if len(fv.Values) != schema.FeatureDim {
		return &DetectorError{DetectorID: id, Err: fmt.Errorf("vector has %d slots, want %d", len(fv.Values), schema.FeatureDim)}
	}
	return nil
}

package schema

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// ThreatLabel classifies an aggregate detection outcome.
type ThreatLabel string

const (
	LabelBenign  ThreatLabel = "benign"
	LabelThreat  ThreatLabel = "threat"
	LabelUnknown ThreatLabel = "unknown"
)

// IsValid checks if the label is a known value.
func (l ThreatLabel) IsValid() bool {
	switch l {
	case LabelBenign, LabelThreat, LabelUnknown:
		return true
	}
	return false
}

// DetectorVerdict is the output of one detector for one feature vector.
// Immutable.
type DetectorVerdict struct {
	DetectorID    string             `json:"detector_id"`
	Score         float64            `json:"score"`
	Label         ThreatLabel        `json:"label"`
	Confidence    float64            `json:"confidence"`
	Contributions map[string]float64 `json:"contributions,omitempty"`
}

// Detection is the combined verdict of the ensemble for one feature
// vector. Immutable. AggregateScore is NaN when every detector failed.
type Detection struct {
	DetectionID    uuid.UUID         `json:"detection_id"`
	FeatureVector  *FeatureVector    `json:"feature_vector"`
	Verdicts       []DetectorVerdict `json:"verdicts"`
	AggregateScore float64           `json:"aggregate_score"`
	AggregateLabel ThreatLabel       `json:"aggregate_label"`
	Degraded       bool              `json:"degraded,omitempty"`
	DecidedAt      time.Time         `json:"decided_at"`
}

// Scored reports whether at least one detector contributed a verdict.
func (d *Detection) Scored() bool {
	return !math.IsNaN(d.AggregateScore)
}

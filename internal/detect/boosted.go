package detect

import (
	"fmt"
	"math"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/schema"
)

// boostedStumps is a gradient-boosted decision-stump classifier. Each
// stump splits on one feature slot; the sum of stump outputs plus a
// bias passes through a sigmoid. Contributions report the per-slot
// share of the margin for explanation records.
type boostedStumps struct {
	bias   float64
	stumps []stump
}

type stump struct {
	Slot      int     `json:"slot"`
	Threshold float64 `json:"threshold"`
	Left      float64 `json:"left"`  // value when slot < threshold
	Right     float64 `json:"right"` // value when slot >= threshold
}

type boostedParams struct {
	Bias   float64 `json:"bias"`
	Stumps []stump `json:"stumps"`
}

func newBoostedStumps(b *artifact.Bundle) (Detector, error) {
	var p boostedParams
	if err := b.DetectorParams(DetectorBoostedStumps, &p); err != nil {
		return nil, err
	}
	for i, s := range p.Stumps {
		if s.Slot < 0 || s.Slot >= schema.FeatureDim {
			return nil, fmt.Errorf("%s: stump %d splits on slot %d outside the layout", DetectorBoostedStumps, i, s.Slot)
		}
	}
	return &boostedStumps{bias: p.Bias, stumps: p.Stumps}, nil
}

func (d *boostedStumps) ID() string { return DetectorBoostedStumps }

func (d *boostedStumps) Predict(fv *schema.FeatureVector) (schema.DetectorVerdict, error) {
	if err := checkDim(d.ID(), fv); err != nil {
		return schema.DetectorVerdict{}, err
	}

	margin := d.bias
	contributions := make(map[string]float64)
	for _, s := range d.stumps {
		out := s.Left
		if fv.Values[s.Slot] >= s.Threshold {
			out = s.Right
		}
		margin += out
		contributions[schema.FeatureSlots[s.Slot].Name] += out
	}

	score := 1 / (1 + math.Exp(-margin))
	return verdict(d.ID(), score, contributions), nil
}

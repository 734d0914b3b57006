package detect

import (
	"fmt"
	"math"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/schema"
)

// sequenceMarkov scores the slot sequence of a vector against a
// transition model learned from benign traffic. Each slot value is
// discretized into a state by per-slot bin edges; improbable state
// transitions raise the anomaly score.
type sequenceMarkov struct {
	bins        [][]float64
	transitions [][]float64
	floor       float64
}

type markovParams struct {
	Bins        [][]float64 `json:"bins"`        // per slot, ascending edges
	Transitions [][]float64 `json:"transitions"` // states x states, row-stochastic
	Floor       float64     `json:"floor"`       // probability floor for unseen transitions
}

func newSequenceMarkov(b *artifact.Bundle) (Detector, error) {
	var p markovParams
	if err := b.DetectorParams(DetectorSequenceMarkov, &p); err != nil {
		return nil, err
	}
	if len(p.Bins) != schema.FeatureDim {
		return nil, fmt.Errorf("%s: %d bin sets for %d slots", DetectorSequenceMarkov, len(p.Bins), schema.FeatureDim)
	}
	states := len(p.Transitions)
	if states == 0 {
		return nil, fmt.Errorf("%s: empty transition matrix", DetectorSequenceMarkov)
	}
	for i, row := range p.Transitions {
		if len(row) != states {
			return nil, fmt.Errorf("%s: transition row %d has %d entries for %d states", DetectorSequenceMarkov, i, len(row), states)
		}
	}
	for i, edges := range p.Bins {
		if len(edges) >= states {
			return nil, fmt.Errorf("%s: slot %d has %d edges for %d states", DetectorSequenceMarkov, i, len(edges), states)
		}
	}
	if p.Floor <= 0 {
		p.Floor = 1e-6
	}
	return &sequenceMarkov{bins: p.Bins, transitions: p.Transitions, floor: p.Floor}, nil
}

func (d *sequenceMarkov) ID() string { return DetectorSequenceMarkov }

func (d *sequenceMarkov) Predict(fv *schema.FeatureVector) (schema.DetectorVerdict, error) {
	if err := checkDim(d.ID(), fv); err != nil {
		return schema.DetectorVerdict{}, err
	}

	prev := d.state(0, fv.Values[0])
	var logLik float64
	steps := 0
	for i := 1; i < len(fv.Values); i++ {
		cur := d.state(i, fv.Values[i])
		p := d.transitions[prev][cur]
		if p < d.floor {
			p = d.floor
		}
		logLik += math.Log(p)
		steps++
		prev = cur
	}

	// Normalized negative log likelihood against the floor worst case.
	worst := float64(steps) * -math.Log(d.floor)
	var score float64
	if worst > 0 {
		score = -logLik / worst
	}
	return verdict(d.ID(), score, nil), nil
}

// state discretizes one slot value by its bin edges.
func (d *sequenceMarkov) state(slot int, v float64) int {
	for i, edge := range d.bins[slot] {
		if v < edge {
			return i
		}
	}
	return len(d.bins[slot])
}

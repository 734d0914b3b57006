package detect

import (
	"fmt"
	"math"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/schema"
)

// autoencoder scores reconstruction error: a vector the benign-trained
// network cannot reproduce is anomalous. One hidden layer with ReLU,
// linear output, error folded through 1-exp(-mse/scale).
type autoencoder struct {
	w1    [][]float64 // hidden x input
	b1    []float64
	w2    [][]float64 // input x hidden
	b2    []float64
	means []float64 // per-slot input standardization
	stds  []float64
	scale float64
}

type autoencoderParams struct {
	W1    [][]float64 `json:"w1"`
	B1    []float64   `json:"b1"`
	W2    [][]float64 `json:"w2"`
	B2    []float64   `json:"b2"`
	Means []float64   `json:"means"`
	Stds  []float64   `json:"stds"`
	Scale float64     `json:"scale"`
}

func newAutoencoder(b *artifact.Bundle) (Detector, error) {
	var p autoencoderParams
	if err := b.DetectorParams(DetectorAutoencoder, &p); err != nil {
		return nil, err
	}
	hidden := len(p.W1)
	if hidden == 0 || len(p.B1) != hidden {
		return nil, fmt.Errorf("%s: hidden layer %d with %d bias terms", DetectorAutoencoder, hidden, len(p.B1))
	}
	for i, row := range p.W1 {
		if len(row) != schema.FeatureDim {
			return nil, fmt.Errorf("%s: encoder row %d has %d terms for %d slots", DetectorAutoencoder, i, len(row), schema.FeatureDim)
		}
	}
	if len(p.W2) != schema.FeatureDim || len(p.B2) != schema.FeatureDim {
		return nil, fmt.Errorf("%s: decoder reconstructs %d slots, want %d", DetectorAutoencoder, len(p.W2), schema.FeatureDim)
	}
	for i, row := range p.W2 {
		if len(row) != hidden {
			return nil, fmt.Errorf("%s: decoder row %d has %d terms for hidden %d", DetectorAutoencoder, i, len(row), hidden)
		}
	}
	if len(p.Means) != schema.FeatureDim || len(p.Stds) != schema.FeatureDim {
		return nil, fmt.Errorf("%s: standardization vectors do not match the layout", DetectorAutoencoder)
	}
	if p.Scale <= 0 {
		p.Scale = 1
	}
	return &autoencoder{w1: p.W1, b1: p.B1, w2: p.W2, b2: p.B2, means: p.Means, stds: p.Stds, scale: p.Scale}, nil
}

func (d *autoencoder) ID() string { return DetectorAutoencoder }

func (d *autoencoder) Predict(fv *schema.FeatureVector) (schema.DetectorVerdict, error) {
	if err := checkDim(d.ID(), fv); err != nil {
		return schema.DetectorVerdict{}, err
	}

	x := make([]float64, schema.FeatureDim)
	for i, v := range fv.Values {
		std := d.stds[i]
		if std == 0 {
			std = 1
		}
		x[i] = (v - d.means[i]) / std
	}

	hidden := make([]float64, len(d.w1))
	for i, row := range d.w1 {
		sum := d.b1[i]
		for j, w := range row {
			sum += w * x[j]
		}
		if sum > 0 {
			hidden[i] = sum
		}
	}

	var mse float64
	for i, row := range d.w2 {
		sum := d.b2[i]
		for j, w := range row {
			sum += w * hidden[j]
		}
		diff := sum - x[i]
		mse += diff * diff
	}
	mse /= float64(schema.FeatureDim)

	score := 1 - math.Exp(-mse/d.scale)
	return verdict(d.ID(), score, nil), nil
}

package detect

import (
	"fmt"
	"math"

	"sentinel-core/internal/artifact"
	"sentinel-core/internal/schema"
)

// isolationForest scores how easily a vector is isolated by random
// splits: anomalies sit on short paths. The score is the standard
// 2^(-E[h]/c(n)) normalization over the subsample size.
type isolationForest struct {
	subsample int
	trees     []isoTree
	cNorm     float64
}

type isoTree struct {
	Nodes []isoNode `json:"nodes"`
}

// isoNode is one split; Left/Right index into Nodes, negative for a
// leaf, with Size carrying the leaf population.
type isoNode struct {
	Slot      int     `json:"slot"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

type forestParams struct {
	Subsample int       `json:"subsample"`
	Trees     []isoTree `json:"trees"`
}

func newIsolationForest(b *artifact.Bundle) (Detector, error) {
	var p forestParams
	if err := b.DetectorParams(DetectorIsolationForest, &p); err != nil {
		return nil, err
	}
	if p.Subsample < 2 {
		return nil, fmt.Errorf("%s: subsample %d too small", DetectorIsolationForest, p.Subsample)
	}
	if len(p.Trees) == 0 {
		return nil, fmt.Errorf("%s: no trees", DetectorIsolationForest)
	}
	for ti, tree := range p.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("%s: tree %d is empty", DetectorIsolationForest, ti)
		}
		for ni, n := range tree.Nodes {
			if n.Slot < 0 || n.Slot >= schema.FeatureDim {
				return nil, fmt.Errorf("%s: tree %d node %d splits on slot %d", DetectorIsolationForest, ti, ni, n.Slot)
			}
			if n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("%s: tree %d node %d references a missing child", DetectorIsolationForest, ti, ni)
			}
		}
	}
	return &isolationForest{
		subsample: p.Subsample,
		trees:     p.Trees,
		cNorm:     avgPathLength(float64(p.Subsample)),
	}, nil
}

func (d *isolationForest) ID() string { return DetectorIsolationForest }

func (d *isolationForest) Predict(fv *schema.FeatureVector) (schema.DetectorVerdict, error) {
	if err := checkDim(d.ID(), fv); err != nil {
		return schema.DetectorVerdict{}, err
	}

	var total float64
	for _, tree := range d.trees {
		total += pathLength(tree, fv.Values)
	}
	mean := total / float64(len(d.trees))
	score := math.Pow(2, -mean/d.cNorm)
	return verdict(d.ID(), score, nil), nil
}

func pathLength(tree isoTree, values []float64) float64 {
	depth := 0.0
	idx := 0
	for {
		n := tree.Nodes[idx]
		next := n.Left
		if values[n.Slot] >= n.Threshold {
			next = n.Right
		}
		if next < 0 {
			size := float64(n.Size)
			if size < 1 {
				size = 1
			}
			return depth + avgPathLength(size)
		}
		idx = next
		depth++
	}
}

// avgPathLength is c(n), the expected unsuccessful-search depth of a
// binary search tree over n points.
func avgPathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

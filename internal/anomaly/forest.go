package anomaly

import (
	"math"
	"math/rand"

	"github.com/mbd888/chainwatch/internal/feature"
)

// Isolation forest over feature vectors. Outliers are isolated in fewer
// random splits than inliers, so short average path lengths map to
// anomaly scores near 1.

const (
	forestTrees      = 100
	forestSampleSize = 256
	forestSeed       = 42 // fixed seed keeps training deterministic
)

type isoNode struct {
	splitFeat   int
	splitVal    float64
	left, right *isoNode
	size        int // leaf only
}

type isoForest struct {
	trees      []*isoNode
	sampleSize int
}

// fitForest builds the forest over the rows. Caller guarantees rows is
// non-empty.
func fitForest(rows []feature.Vector) *isoForest {
	rng := rand.New(rand.NewSource(forestSeed))

	sample := len(rows)
	if sample > forestSampleSize {
		sample = forestSampleSize
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample)))) + 1

	f := &isoForest{
		trees:      make([]*isoNode, forestTrees),
		sampleSize: sample,
	}
	for t := 0; t < forestTrees; t++ {
		sub := make([]feature.Vector, sample)
		for i := range sub {
			sub[i] = rows[rng.Intn(len(rows))]
		}
		f.trees[t] = buildIsoTree(sub, 0, maxDepth, rng)
	}
	return f
}

func buildIsoTree(rows []feature.Vector, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if len(rows) <= 1 || depth >= maxDepth {
		return &isoNode{size: len(rows)}
	}

	// Pick a feature with spread; a fully constant subsample is a leaf.
	feat, lo, hi, ok := pickSplit(rows, rng)
	if !ok {
		return &isoNode{size: len(rows)}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right []feature.Vector
	for _, row := range rows {
		if row[feat] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoNode{size: len(rows)}
	}

	return &isoNode{
		splitFeat: feat,
		splitVal:  split,
		left:      buildIsoTree(left, depth+1, maxDepth, rng),
		right:     buildIsoTree(right, depth+1, maxDepth, rng),
	}
}

func pickSplit(rows []feature.Vector, rng *rand.Rand) (feat int, lo, hi float64, ok bool) {
	order := rng.Perm(feature.Width)
	for _, c := range order {
		lo, hi = rows[0][c], rows[0][c]
		for _, row := range rows {
			if row[c] < lo {
				lo = row[c]
			}
			if row[c] > hi {
				hi = row[c]
			}
		}
		if hi > lo {
			return c, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

func (n *isoNode) pathLength(row feature.Vector, depth int) float64 {
	if n.left == nil {
		return float64(depth) + avgBSTPath(n.size)
	}
	if row[n.splitFeat] < n.splitVal {
		return n.left.pathLength(row, depth+1)
	}
	return n.right.pathLength(row, depth+1)
}

// score returns the anomaly score in (0, 1); higher is more isolated.
func (f *isoForest) score(row feature.Vector) float64 {
	var total float64
	for _, tree := range f.trees {
		total += tree.pathLength(row, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/avgBSTPath(f.sampleSize))
}

// avgBSTPath is c(n), the average unsuccessful-search path length in a
// binary search tree of n nodes, used to normalize path lengths.
func avgBSTPath(n int) float64 {
	if n <= 1 {
		return 0
	}
	const eulerMascheroni = 0.5772156649
	h := math.Log(float64(n-1)) + eulerMascheroni
	return 2*h - 2*float64(n-1)/float64(n)
}

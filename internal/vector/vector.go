package vector

import (
	"fmt"
	"math"
	"math/rand"
)

// Cosine returns the cosine similarity of two vectors. Mismatched or zero
// vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Distance returns the cosine distance (1 - similarity).
func Distance(a, b []float32) float64 {
	return 1 - Cosine(a, b)
}

// Mean folds v into a running mean that already covers count members and
// returns the updated centroid. count is the membership before v is added.
func Mean(centroid []float32, count int, v []float32) []float32 {
	if count <= 0 || len(centroid) != len(v) {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(centroid))
	n := float64(count)
	for i := range centroid {
		out[i] = float32((float64(centroid[i])*n + float64(v[i])) / (n + 1))
	}
	return out
}

// LSH buckets vectors by sign-random-projection. The same (dim, planes, seed)
// triple always produces the same hyperplanes, which keeps post routing
// deterministic across restarts.
type LSH struct {
	planes  [][]float32
	buckets int
}

// NewLSH builds an LSH router with the given number of hyperplanes mapped
// onto buckets output buckets.
func NewLSH(dim, planes, buckets int, seed int64) (*LSH, error) {
	if dim < 1 || planes < 1 || buckets < 1 {
		return nil, fmt.Errorf("lsh: dim, planes and buckets must be >= 1")
	}
	rng := rand.New(rand.NewSource(seed))
	ps := make([][]float32, planes)
	for i := range ps {
		p := make([]float32, dim)
		for j := range p {
			p[j] = float32(rng.NormFloat64())
		}
		ps[i] = p
	}
	return &LSH{planes: ps, buckets: buckets}, nil
}

// Bucket returns the bucket index for v.
func (l *LSH) Bucket(v []float32) int {
	var sig uint64
	for i, p := range l.planes {
		var dot float64
		n := len(p)
		if len(v) < n {
			n = len(v)
		}
		for j := 0; j < n; j++ {
			dot += float64(p[j]) * float64(v[j])
		}
		if dot >= 0 {
			sig |= 1 << uint(i)
		}
	}
	return int(sig % uint64(l.buckets))
}

package vector

import (
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	if got := Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Fatalf("self similarity = %v, want 1", got)
	}
	if got := Cosine(a, b); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal similarity = %v, want 0", got)
	}
	if got := Cosine(a, []float32{1, 0}); got != 0 {
		t.Fatalf("mismatched lengths should yield 0, got %v", got)
	}
	if got := Distance(a, a); math.Abs(got) > 1e-9 {
		t.Fatalf("self distance = %v, want 0", got)
	}
}

func TestMean(t *testing.T) {
	c := Mean(nil, 0, []float32{2, 4})
	if c[0] != 2 || c[1] != 4 {
		t.Fatalf("first member should become the centroid: %v", c)
	}
	c = Mean(c, 1, []float32{4, 8})
	if c[0] != 3 || c[1] != 6 {
		t.Fatalf("running mean wrong: %v", c)
	}
	c = Mean(c, 2, []float32{0, 0})
	if c[0] != 2 || c[1] != 4 {
		t.Fatalf("running mean wrong after third member: %v", c)
	}
}

func TestLSHDeterministic(t *testing.T) {
	l1, err := NewLSH(8, 6, 16, 42)
	if err != nil {
		t.Fatalf("NewLSH: %v", err)
	}
	l2, _ := NewLSH(8, 6, 16, 42)

	v := []float32{0.1, -0.4, 0.3, 0.9, -0.2, 0.05, 0.7, -0.6}
	if l1.Bucket(v) != l2.Bucket(v) {
		t.Fatalf("same seed must route identically")
	}
	if b := l1.Bucket(v); b < 0 || b >= 16 {
		t.Fatalf("bucket out of range: %d", b)
	}

	if _, err := NewLSH(0, 1, 1, 1); err == nil {
		t.Fatalf("expected error for zero dim")
	}
}

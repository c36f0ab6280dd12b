package embedder

import (
	"context"
	"math"
	"testing"
)

func TestDeterministic_Reproducible(t *testing.T) {
	e := NewDeterministic(32, true, 7)
	a, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	b, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(a[0]) != 32 || len(b[0]) != 32 {
		t.Fatalf("unexpected dimension: %d, %d", len(a[0]), len(b[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("non-deterministic output at index %d: %v vs %v", i, a[0][i], b[0][i])
		}
	}
}

func TestDeterministic_Normalized(t *testing.T) {
	e := NewDeterministic(16, true, 1)
	v, err := e.EmbedBatch(context.Background(), []string{"a meaningfully long sentence"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	var sumSq float64
	for _, x := range v[0] {
		sumSq += float64(x) * float64(x)
	}
	if math.Abs(sumSq-1.0) > 1e-3 {
		t.Fatalf("expected unit norm, got sum of squares %v", sumSq)
	}
}

func TestDeterministic_DistinctSeedsDiverge(t *testing.T) {
	e1 := NewDeterministic(16, false, 1)
	e2 := NewDeterministic(16, false, 2)
	v1, _ := e1.EmbedBatch(context.Background(), []string{"same text"})
	v2, _ := e2.EmbedBatch(context.Background(), []string{"same text"})
	equal := true
	for i := range v1[0] {
		if v1[0][i] != v2[0][i] {
			equal = false
			break
		}
	}
	if equal {
		t.Fatal("expected different seeds to produce different vectors")
	}
}

func TestDeterministic_EmptyBatch(t *testing.T) {
	e := NewDeterministic(8, false, 0)
	out, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d", len(out))
	}
}

package embedding

import (
	"context"
	"math"
	"testing"
)

func TestCosineIdenticalVectors(t *testing.T) {
	v := Vector{1: 2, 2: 3}
	if got := Cosine(v, v); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected cosine similarity 1 for identical vectors, got %f", got)
	}
}

func TestCosineOrthogonalVectors(t *testing.T) {
	a := Vector{1: 1}
	b := Vector{2: 1}
	if got := Cosine(a, b); got != 0 {
		t.Fatalf("expected cosine similarity 0 for orthogonal vectors, got %f", got)
	}
}

func TestCosineZeroVector(t *testing.T) {
	a := Vector{}
	b := Vector{1: 1}
	if got := Cosine(a, b); got != 0 {
		t.Fatalf("expected cosine similarity 0 for zero vector, got %f", got)
	}
}

func TestTFIDFEmbedderSimilarURLsScoreHigher(t *testing.T) {
	e := NewTFIDFEmbedder()
	urls := []string{
		"/guides/home-buying-guide",
		"/guides/home-buying-tips",
		"/products/electric-drill",
	}
	vectors, err := e.Embed(context.Background(), urls)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}

	simRelated := Cosine(vectors[0], vectors[1])
	simUnrelated := Cosine(vectors[0], vectors[2])
	if simRelated <= simUnrelated {
		t.Fatalf("expected related URLs to score higher similarity: related=%f unrelated=%f", simRelated, simUnrelated)
	}
}

func TestAnthropicEmbedderDisabledWithoutKeyFallsBack(t *testing.T) {
	e := NewAnthropicEmbedder("")
	if e.Enabled() {
		t.Fatal("expected embedder to be disabled without an API key")
	}
	if e.DisabledReason() == "" {
		t.Fatal("expected a disabled reason")
	}
	vectors, err := e.Embed(context.Background(), []string{"/a/b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("expected 1 vector from fallback, got %d", len(vectors))
	}
}

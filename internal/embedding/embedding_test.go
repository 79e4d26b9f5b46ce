package embedding

import (
	"context"
	"math"
	"testing"
)

func cosine(a, b []float32) float64 {
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

func TestHashingProviderDeterministic(t *testing.T) {
	p := NewHashingProvider(128)
	vecs, err := p.Embed(context.Background(), []string{"add retry logic to the scheduler", "add retry logic to the scheduler"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got := cosine(vecs[0], vecs[1]); got < 0.999 {
		t.Fatalf("identical texts cosine = %f, want 1", got)
	}
}

func TestHashingProviderSimilarityOrdering(t *testing.T) {
	p := NewHashingProvider(256)
	texts := []string{
		"fix the race condition in the dispatcher heartbeat",
		"fix race condition in dispatcher heartbeats",
		"write marketing copy for the landing page",
	}
	vecs, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	near := cosine(vecs[0], vecs[1])
	far := cosine(vecs[0], vecs[2])
	if near <= far {
		t.Fatalf("near=%f far=%f: paraphrase must score above unrelated text", near, far)
	}
	if near < 0.5 {
		t.Fatalf("paraphrase cosine = %f, too low", near)
	}
}

func TestHashingProviderNormalized(t *testing.T) {
	p := NewHashingProvider(64)
	vecs, _ := p.Embed(context.Background(), []string{"scheduler scheduler scheduler dispatch"})
	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("vector norm = %f, want 1", norm)
	}
}

func TestDimensionDefault(t *testing.T) {
	if d := NewHashingProvider(0).Dimension(); d != defaultHashingDimension {
		t.Fatalf("Dimension = %d, want default %d", d, defaultHashingDimension)
	}
}

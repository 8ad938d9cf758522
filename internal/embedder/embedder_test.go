package embedder

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDeterministicServiceNormalizesToUnitLength(t *testing.T) {
	svc := NewDeterministicService(32, "v1")
	vecs, err := svc.EmbedBatch(context.Background(), []string{"hello world", "goodbye world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	for _, v := range vecs {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		norm := math.Sqrt(sum)
		if math.Abs(norm-1) > 1e-4 && norm != 0 {
			t.Errorf("expected unit-norm vector, got norm %v", norm)
		}
	}
}

func TestDeterministicIsReproducible(t *testing.T) {
	svc := NewDeterministicService(16, "v1")
	a, _ := svc.EmbedBatch(context.Background(), []string{"same text"})
	b, _ := svc.EmbedBatch(context.Background(), []string{"same text"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("expected deterministic output, differs at index %d: %v vs %v", i, a[0][i], b[0][i])
		}
	}
}

type fakeOOMBackend struct {
	oomUntilLen int
	calls       [][]string
}

func (f *fakeOOMBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls = append(f.calls, texts)
	if len(texts) > f.oomUntilLen {
		return nil, ErrOOM
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestOOMHalvesBatchAndRetries(t *testing.T) {
	backend := &fakeOOMBackend{oomUntilLen: 2}
	svc := NewService(backend, nil, 2, "v1", 4, time.Hour)
	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 4 {
		t.Fatalf("expected 4 vectors after OOM recovery, got %d", len(vecs))
	}
}

type fakeCPUBackend struct{ called bool }

func (f *fakeCPUBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.called = true
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0, 1}
	}
	return out, nil
}

func TestSecondOOMFallsBackToCPU(t *testing.T) {
	backend := &fakeOOMBackend{oomUntilLen: 0} // always OOMs on the GPU path
	cpu := &fakeCPUBackend{}
	svc := NewService(backend, cpu, 2, "v1", 4, time.Hour)
	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cpu.called {
		t.Error("expected CPU fallback to be invoked after repeated OOM")
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
}

type alwaysErrBackend struct{}

func (alwaysErrBackend) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("boom")
}

func TestNonOOMErrorPropagates(t *testing.T) {
	svc := NewService(alwaysErrBackend{}, nil, 2, "v1", 4, time.Hour)
	_, err := svc.EmbedBatch(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if errors.Is(err, ErrOOM) {
		t.Error("did not expect ErrOOM for a non-OOM failure")
	}
}

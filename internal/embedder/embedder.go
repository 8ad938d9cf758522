// Package embedder implements the Embedder (C5): mapping chunk texts to
// fixed-dimension, L2-normalized vectors, with batching, an OOM-halve-and-cpu-
// fallback policy, and an idle-triggered unload() hook per spec.md §4.3 and §5.
//
// Grounded on the teacher's internal/rag/embedder.Embedder interface shape
// (HTTP-backed implementation plus a deterministic implementation usable in
// tests without a live model server).
package embedder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOOM is returned by a backend call that ran out of accelerator memory.
var ErrOOM = errors.New("embedder: accelerator out of memory")

// Embedder converts text to unit vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Version() string
	// Unload releases accelerator memory. Safe to call repeatedly.
	Unload()
}

// Backend is the low-level, single-batch call a concrete Embedder wraps.
// It returns ErrOOM so the wrapper can apply the halve-and-retry policy.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Service wraps a Backend with spec-mandated batching, OOM handling, and
// idle-triggered unload, and normalizes every output vector to unit length.
type Service struct {
	backend    Backend
	cpuBackend Backend // optional CPU fallback path used after a second OOM
	dim        int
	version    string
	batchSize  int
	idleAfter  time.Duration

	mu         sync.Mutex
	lastUsed   time.Time
	loaded     bool
	idleCancel context.CancelFunc
}

// NewService constructs an embedder Service. cpuBackend may be nil, in which
// case an OOM on the halved batch (or on a one-text batch) returns an error
// wrapping ErrOOM.
func NewService(backend, cpuBackend Backend, dim int, version string, batchSize int, idleAfter time.Duration) *Service {
	if batchSize <= 0 {
		batchSize = 32
	}
	if idleAfter <= 0 {
		idleAfter = 5 * time.Minute
	}
	return &Service{backend: backend, cpuBackend: cpuBackend, dim: dim, version: version, batchSize: batchSize, idleAfter: idleAfter}
}

func (s *Service) Dimension() int { return s.dim }
func (s *Service) Version() string { return s.version }

// EmbedBatch splits texts into batches of up to batchSize, embeds each via
// the OOM-aware backend call, normalizes to unit length, and schedules an
// idle-unload timer.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	s.markLoaded()
	defer s.scheduleIdleUnload()

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += s.batchSize {
		end := i + s.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := s.embedWithOOMPolicy(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	for _, v := range out {
		normalize(v)
	}
	return out, nil
}

// embedWithOOMPolicy implements spec §4.3: on OOM, halve the batch and retry
// once; on a second OOM, fall back to the CPU path for that batch.
func (s *Service) embedWithOOMPolicy(ctx context.Context, batch []string) ([][]float32, error) {
	vecs, err := s.backend.Embed(ctx, batch)
	if err == nil {
		return vecs, nil
	}
	if !errors.Is(err, ErrOOM) {
		return nil, err
	}
	log.Warn().Int("batch_size", len(batch)).Msg("embedder: OOM, halving batch and retrying")

	half := len(batch) / 2
	if half == 0 {
		return s.cpuFallback(ctx, batch)
	}
	var out [][]float32
	for _, part := range [][]string{batch[:half], batch[half:]} {
		if len(part) == 0 {
			continue
		}
		v, err := s.backend.Embed(ctx, part)
		if err != nil {
			if errors.Is(err, ErrOOM) {
				v, err = s.cpuFallback(ctx, part)
				if err != nil {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		out = append(out, v...)
	}
	return out, nil
}

func (s *Service) cpuFallback(ctx context.Context, batch []string) ([][]float32, error) {
	if s.cpuBackend == nil {
		return nil, fmt.Errorf("%w: no CPU fallback configured", ErrOOM)
	}
	log.Warn().Int("batch_size", len(batch)).Msg("embedder: second OOM, falling back to CPU")
	return s.cpuBackend.Embed(ctx, batch)
}

func (s *Service) markLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.lastUsed = time.Now()
	if s.idleCancel != nil {
		s.idleCancel()
		s.idleCancel = nil
	}
}

// scheduleIdleUnload arms a timer that calls Unload after idleAfter of
// inactivity, satisfying the "unload automatically after an idle period"
// requirement without an external scheduler.
func (s *Service) scheduleIdleUnload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleCancel != nil {
		s.idleCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.idleCancel = cancel
	go func(generation time.Time) {
		t := time.NewTimer(s.idleAfter)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Unload()
		}
	}(s.lastUsed)
}

// Unload releases accelerator memory. The idle timer armed by EmbedBatch
// calls it after idleAfter of inactivity; ragcored does not register the
// embedder with the Resource Orchestrator, so no task switch triggers it.
func (s *Service) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return
	}
	s.loaded = false
	if unloader, ok := s.backend.(interface{ Unload() }); ok {
		unloader.Unload()
	}
	log.Debug().Msg("embedder: unloaded")
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// --- HTTP backend: an OpenAI-compatible embeddings endpoint ---

// HTTPBackend calls an OpenAI-compatible /embeddings endpoint. Grounded on
// the teacher's embedding.EmbedText HTTP client shape.
type HTTPBackend struct {
	Endpoint string
	Model    string
	Client   *http.Client
}

func NewHTTPBackend(endpoint, model string) *HTTPBackend {
	return &HTTPBackend{Endpoint: endpoint, Model: model, Client: &http.Client{Timeout: 30 * time.Second}}
}

func (b *HTTPBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return postEmbeddings(ctx, b.Client, b.Endpoint, b.Model, texts)
}

// --- deterministic backend: for tests and environments with no live model ---

// Deterministic hashes byte 3-grams into a fixed-size vector. Useful as the
// default embedder in tests and as documentation of the interface contract.
type Deterministic struct {
	Dim  int
	Seed uint64
}

func (d Deterministic) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedOne(t, d.Dim, d.Seed)
	}
	return out, nil
}

// NewDeterministicService builds a ready-to-use Service around Deterministic,
// for tests and for environments with no live embedding endpoint configured.
func NewDeterministicService(dim int, version string) *Service {
	return NewService(Deterministic{Dim: dim}, nil, dim, version, 32, 5*time.Minute)
}

func embedOne(s string, dim int, seed uint64) []float32 {
	if dim <= 0 {
		dim = 64
	}
	v := make([]float32, dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(seed, b, v)
		return v
	}
	for i := 0; i <= len(b)-3; i++ {
		addGram(seed, b[i:i+3], v)
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

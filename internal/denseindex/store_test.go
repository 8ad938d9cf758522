package denseindex

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReopenRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	snap, err := s.Open("acme_p1_default_v1")
	if err != nil {
		t.Fatalf("unexpected error opening missing index: %v", err)
	}
	if snap.Dimension != 0 || len(snap.Vectors) != 0 {
		t.Fatalf("expected empty snapshot for missing file, got %+v", snap)
	}

	ids, dim, ntotal, err := s.Append("acme_p1_default_v1", snap, [][]float32{{1, 0, 0}, {0, 1, 0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dim != 3 || ntotal != 2 {
		t.Fatalf("expected dim=3 ntotal=2, got dim=%d ntotal=%d", dim, ntotal)
	}
	if ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("expected sequential faiss ids starting at 0, got %v", ids)
	}

	snap2, err := s.Open("acme_p1_default_v1")
	if err != nil {
		t.Fatalf("unexpected error reopening: %v", err)
	}
	if len(snap2.Vectors) != 2 || snap2.Dimension != 3 {
		t.Fatalf("expected 2 vectors of dim 3 after reopen, got %+v", snap2)
	}

	ids2, _, ntotal2, err := s.Append("acme_p1_default_v1", snap2, [][]float32{{0, 0, 1}})
	if err != nil {
		t.Fatalf("unexpected error on second append: %v", err)
	}
	if ids2[0] != 2 || ntotal2 != 3 {
		t.Fatalf("expected faiss_id=2 ntotal=3 after second append, got id=%v ntotal=%d", ids2, ntotal2)
	}
}

func TestSearchOrdersByInnerProductThenFaissID(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	snap, _ := s.Open("t1_ns1_default_v1")
	_, _, _, err := s.Append("t1_ns1_default_v1", snap, [][]float32{{1, 0}, {1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap2, _ := s.Open("t1_ns1_default_v1")
	hits := snap2.Search([]float32{1, 0}, 10)
	if len(hits) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(hits))
	}
	if hits[0].FaissID != 0 || hits[1].FaissID != 1 {
		t.Fatalf("expected tied top scores broken by ascending faiss_id, got %+v", hits[:2])
	}
	if hits[2].FaissID != 2 {
		t.Fatalf("expected lowest-score vector last, got %+v", hits[2])
	}
}

func TestRebuildReplacesIndex(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	snap, _ := s.Open("t1_ns1_default_v1")
	s.Append("t1_ns1_default_v1", snap, [][]float32{{1, 0}, {0, 1}})

	dim, ntotal, err := s.Rebuild("t1_ns1_default_v1", [][]float32{{0, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dim != 2 || ntotal != 1 {
		t.Fatalf("expected dim=2 ntotal=1 after rebuild, got dim=%d ntotal=%d", dim, ntotal)
	}
	snap2, _ := s.Open("t1_ns1_default_v1")
	if len(snap2.Vectors) != 1 {
		t.Fatalf("expected rebuild to fully replace prior vectors, got %d", len(snap2.Vectors))
	}
}

func TestCorruptedMetaDetected(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	snap, _ := s.Open("t1_ns1_default_v1")
	s.Append("t1_ns1_default_v1", snap, [][]float32{{1, 0}})

	metaPath := filepath.Join(dir, "t1_ns1_default_v1.idx.meta")
	if err := os.WriteFile(metaPath, []byte(`{"dimension":1,"ntotal":1,"sha256":"deadbeef"}`), 0o644); err != nil {
		t.Fatalf("unexpected error writing corrupt meta: %v", err)
	}
	_, err := s.Open("t1_ns1_default_v1")
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	snap, _ := s.Open("t1_ns1_default_v1")
	s.Append("t1_ns1_default_v1", snap, [][]float32{{1, 0, 0}})
	snap2, _ := s.Open("t1_ns1_default_v1")
	_, _, _, err := s.Append("t1_ns1_default_v1", snap2, [][]float32{{1, 0}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestCrashBetweenTmpAndRenameLeavesPriorVersion(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	snap, _ := s.Open("t1_ns1_default_v1")
	s.Append("t1_ns1_default_v1", snap, [][]float32{{1, 0}})

	// Simulate a crash after the tmp file is written but before rename: leave
	// a stray .tmp file and confirm the committed index is unaffected.
	if err := os.WriteFile(s.PathFor("t1_ns1_default_v1")+".tmp", []byte("partial garbage"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap2, err := s.Open("t1_ns1_default_v1")
	if err != nil {
		t.Fatalf("unexpected error reopening after simulated crash: %v", err)
	}
	if len(snap2.Vectors) != 1 {
		t.Fatalf("expected prior committed version intact, got %d vectors", len(snap2.Vectors))
	}
}

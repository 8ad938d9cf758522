// Package denseindex implements the Index Store (C2): a per-partition,
// file-backed dense vector index with brute-force inner-product search and a
// write-temp / fsync / rename atomic swap, as spec.md §4.7 requires.
//
// No FAISS-equivalent library is present anywhere in the examples pack (a
// grep for fsync/rename across the retrieved corpus found nothing); this
// component is authored fresh, following the teacher's "index file cache
// keyed by path" idiom referenced in its ingest/index_vector.go and Go's
// standard write-fsync-rename idiom for crash-safe file replacement.
package denseindex

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

var (
	// ErrCorrupt is returned when the sidecar .meta sha256 doesn't match the
	// on-disk index file (spec §7 kind 6: Fatal - corrupted index file).
	ErrCorrupt = errors.New("denseindex: corrupt index file")
	// ErrDimensionMismatch guards invariant 4: all vectors in one Index share dimension.
	ErrDimensionMismatch = errors.New("denseindex: dimension mismatch")
)

const magic = "RIDX1\x00\x00\x00"

// Meta is the sidecar .meta file's content: spec §6 "{dimension, ntotal, sha256}".
type Meta struct {
	Dimension int    `json:"dimension"`
	NTotal    int64  `json:"ntotal"`
	SHA256    string `json:"sha256"`
}

// Snapshot is an opened, read-only, in-memory view of one partition's dense
// index, valid for the lifetime of one request. "Stale paths are safe to
// keep until close" (spec §5): a Snapshot never re-reads the file.
type Snapshot struct {
	Dimension int
	Vectors   [][]float32 // row index == faiss_id
	Path      string
}

// Store owns the on-disk directory of <partition>.idx / .meta files.
type Store struct {
	Dir string
}

func NewStore(dir string) *Store { return &Store{Dir: dir} }

// PathFor renders the file path for a partition key, per spec §6:
// <INDEX_DIR>/<tenant>_<namespace>_<document_type>_<embedding_version>.idx
func (s *Store) PathFor(partitionKey string) string {
	return filepath.Join(s.Dir, partitionKey+".idx")
}

// Open loads a partition's dense index into memory for one request's use. A
// missing file is not an error: it returns an empty Snapshot (dimension 0).
func (s *Store) Open(partitionKey string) (*Snapshot, error) {
	path := s.PathFor(partitionKey)
	vectors, dim, err := readIndexFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Snapshot{Path: path}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(path, vectors, dim); err != nil {
		return nil, err
	}
	return &Snapshot{Dimension: dim, Vectors: vectors, Path: path}, nil
}

// Hit is one dense search result.
type Hit struct {
	FaissID int64
	Score   float64 // inner product; cosine similarity for unit-normalized vectors
}

// Search runs brute-force inner-product top-k over the snapshot. Ties are
// broken by ascending FaissID for spec §4.5 determinism.
func (snap *Snapshot) Search(query []float32, k int) []Hit {
	if len(snap.Vectors) == 0 || k <= 0 {
		return nil
	}
	hits := make([]Hit, 0, len(snap.Vectors))
	for i, v := range snap.Vectors {
		hits = append(hits, Hit{FaissID: int64(i), Score: dot(query, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FaissID < hits[j].FaissID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Append writes a new index file containing the snapshot's existing vectors
// followed by newVectors, atomically swapping it in for the partition, and
// returns the faiss_id assigned to each appended vector in order. Invariant
// 4 (fixed dimension per Index) is enforced against the snapshot's current
// dimension, or the first appended vector's length when the index is empty.
func (s *Store) Append(partitionKey string, snap *Snapshot, newVectors [][]float32) (assignedIDs []int64, dimension int, ntotal int64, err error) {
	dim := snap.Dimension
	if dim == 0 && len(newVectors) > 0 {
		dim = len(newVectors[0])
	}
	all := make([][]float32, 0, len(snap.Vectors)+len(newVectors))
	all = append(all, snap.Vectors...)
	start := int64(len(snap.Vectors))
	for i, v := range newVectors {
		if len(v) != dim {
			return nil, 0, 0, fmt.Errorf("%w: vector %d has length %d, index dimension is %d", ErrDimensionMismatch, i, len(v), dim)
		}
		all = append(all, v)
		assignedIDs = append(assignedIDs, start+int64(i))
	}
	if err := s.atomicWrite(partitionKey, all, dim); err != nil {
		return nil, 0, 0, err
	}
	return assignedIDs, dim, int64(len(all)), nil
}

// Rebuild writes a brand-new index file for a partition from a fresh vector
// set (spec §4.7 Rebuild operation), atomically swapping it in.
func (s *Store) Rebuild(partitionKey string, vectors [][]float32) (dimension int, ntotal int64, err error) {
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, 0, fmt.Errorf("%w: vector %d has length %d, expected %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	if err := s.atomicWrite(partitionKey, vectors, dim); err != nil {
		return 0, 0, err
	}
	return dim, int64(len(vectors)), nil
}

// atomicWrite implements spec §4.7 step 5 and invariant 5: write <path>.tmp,
// fsync, rename over <path>. The file is either the fully-written prior
// version or the fully-written new version, never a partial write, because a
// crash between tmp-write and rename leaves the original <path> untouched.
func (s *Store) atomicWrite(partitionKey string, vectors [][]float32, dim int) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("denseindex: mkdir index dir: %w", err)
	}
	path := s.PathFor(partitionKey)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("denseindex: create tmp file: %w", err)
	}
	w := bufio.NewWriter(f)
	h := sha256.New()
	mw := io.MultiWriter(w, h)

	if err := writeIndexBody(mw, vectors, dim); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("denseindex: flush tmp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("denseindex: fsync tmp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("denseindex: close tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("denseindex: rename into place: %w", err)
	}

	meta := Meta{Dimension: dim, NTotal: int64(len(vectors)), SHA256: hex.EncodeToString(h.Sum(nil))}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("denseindex: encode meta: %w", err)
	}
	metaTmp := path + ".meta.tmp"
	if err := os.WriteFile(metaTmp, metaBytes, 0o644); err != nil {
		return fmt.Errorf("denseindex: write meta tmp: %w", err)
	}
	if err := os.Rename(metaTmp, path+".meta"); err != nil {
		return fmt.Errorf("denseindex: rename meta into place: %w", err)
	}
	return nil
}

func writeIndexBody(w io.Writer, vectors [][]float32, dim int) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return err
	}
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(dim))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(len(vectors)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, vec := range vectors {
		for _, x := range vec {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func readIndexFile(path string) ([][]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if string(magicBuf) != magic {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	dim := int(binary.LittleEndian.Uint32(hdr[0:4]))
	count := int64(binary.LittleEndian.Uint64(hdr[4:12]))

	vectors := make([][]float32, count)
	buf := make([]byte, 4)
	for i := int64(0); i < count; i++ {
		v := make([]float32, dim)
		for j := 0; j < dim; j++ {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		}
		vectors[i] = v
	}
	return vectors, dim, nil
}

// verifyChecksum loads the sidecar .meta file and compares its sha256 to a
// freshly computed hash of the vector body, surfacing ErrCorrupt on mismatch
// per spec §7 kind 6.
func verifyChecksum(path string, vectors [][]float32, dim int) error {
	metaBytes, err := os.ReadFile(path + ".meta")
	if errors.Is(err, os.ErrNotExist) {
		return nil // no sidecar yet (e.g. hand-placed file); skip verification
	}
	if err != nil {
		return fmt.Errorf("denseindex: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("%w: unreadable meta: %v", ErrCorrupt, err)
	}
	h := sha256.New()
	if err := writeIndexBody(h, vectors, dim); err != nil {
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != meta.SHA256 {
		return fmt.Errorf("%w: sha256 mismatch", ErrCorrupt)
	}
	return nil
}

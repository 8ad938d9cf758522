// Package store is the metadata store (C1): the durable record of documents,
// chunks, indices and jobs, and the source of truth for deletion and dedup.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by the core. The HTTP layer maps these to status
// codes via errors.Is and never leaks anything else to callers.
var (
	ErrValidation     = errors.New("validation")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrCapacity       = errors.New("capacity")
	ErrStorage        = errors.New("storage")
	ErrIndexCorrupt   = errors.New("index corrupt")
	ErrPartitionDirty = errors.New("partition dirty, rebuild pending")
)

// Partition is the unit of indexing and isolation: (tenant, namespace,
// document_type, embedding_version).
type Partition struct {
	Tenant           string
	Namespace        string
	DocumentType     string
	EmbeddingVersion string
}

// Key renders a stable string key used for file names and in-memory caches.
func (p Partition) Key() string {
	return p.Tenant + "_" + p.Namespace + "_" + p.DocumentType + "_" + p.EmbeddingVersion
}

// Document mirrors the spec's Document entity.
type Document struct {
	DocID            string
	Tenant           string
	Namespace        string
	Filename         string
	MimeType         string
	DocumentType     string
	DocHash          string
	EmbeddingVersion string
	ChunkStrategy    string
	Metadata         map[string]any
	CreatedAt        time.Time
	DeletedAt        *time.Time
}

// Chunk mirrors the spec's Chunk entity. ChunkID is shaped "{doc_id}#c{NNNN}".
type Chunk struct {
	ChunkID   string
	DocID     string
	RawText   string
	EmbedText string
	ChunkHash string
	FaissID   *int64
	Ordinal   int
	Metadata  map[string]any
	DeletedAt *time.Time
}

// Index mirrors the spec's Index entity: one on-disk dense index file per
// partition key.
type Index struct {
	Partition Partition
	Dimension int
	NTotal    int64
	Dirty     bool
	FilePath  string
	UpdatedAt time.Time
}

// JobType enumerates the durable job queue's work kinds.
type JobType string

const (
	JobIngest  JobType = "ingest"
	JobRebuild JobType = "rebuild"
	JobDelete  JobType = "delete"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job mirrors the spec's Job entity.
type Job struct {
	JobID       string
	Type        JobType
	Status      JobStatus
	Payload     []byte // opaque JSON, interpreted by the worker per Type
	Progress    int
	Stage       string
	Error       string
	RetryCount  int
	Partition   Partition
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// UpsertDecision is returned by BeginUpsert to tell the caller (the worker)
// whether new chunks must be produced, per invariant 3 (doc_hash idempotence).
type UpsertDecision struct {
	Skip       bool // doc_hash matched a live document; chunks_added=0
	DocID      string
	Superseded bool // a prior live document with a different hash was soft-deleted
}

// Store is the durable metadata store plus job queue. Concrete backends:
// sqlite (default, zero-config) and postgres (pooled, concurrent-safe job
// claiming via SELECT ... FOR UPDATE SKIP LOCKED).
type Store interface {
	// BeginUpsert resolves idempotency for a document upsert (spec invariant 3
	// / §4.7 steps 1-2): same hash -> skip; different hash -> soft-delete the
	// prior document and its chunks. It does not mark the Index dirty, and it
	// does not insert the new document; InsertDocument does that once
	// chunking and embedding have produced chunk rows.
	BeginUpsert(ctx context.Context, tenant, namespace, docID, docHash string) (UpsertDecision, error)

	// InsertDocument inserts a new Document row and its Chunks (with
	// FaissID unset) in one transaction, assigning each chunk's ChunkID as
	// "{doc_id}#c{ordinal:04d}". Returns one entry per input chunk, in the
	// same order: the assigned ChunkID, or "" if that chunk's chunk_hash
	// already exists live in the (tenant, namespace) partition and was
	// skipped. Callers that embed chunk text must drop the corresponding
	// entries from their embedding batch using this same positional mask.
	InsertDocument(ctx context.Context, doc Document, chunks []Chunk) ([]string, error)

	// AssignFaissIDs records the dense-index row id assigned to each chunk
	// after the vectors have been appended to the index file.
	AssignFaissIDs(ctx context.Context, ids map[string]int64) error

	// SoftDeleteDocument marks a document and its chunks deleted and returns
	// the number of chunks affected. It does not touch the Index row; callers
	// mark it dirty with SetIndexDirty.
	SoftDeleteDocument(ctx context.Context, tenant, namespace, docID string) (int, error)

	// GetDocument returns the live document for a key, or ok=false.
	GetDocument(ctx context.Context, tenant, namespace, docID string) (Document, bool, error)

	// LiveChunks returns all non-deleted chunks for a partition, ordered by
	// doc_id then ordinal - used for rebuild and for sparse-index warm-up.
	LiveChunks(ctx context.Context, p Partition) ([]Chunk, error)

	// GetChunks fetches chunks by id, including soft-deleted ones (the
	// retriever uses this to filter candidates per spec §4.5 step 4).
	GetChunks(ctx context.Context, chunkIDs []string) (map[string]Chunk, error)

	// DocDeletedFor reports whether a chunk's owning document is soft-deleted,
	// independent of the chunk's own DeletedAt (spec invariant 1).
	DocDeletedFor(ctx context.Context, chunkIDs []string) (map[string]bool, error)

	// GetIndex returns the Index row for a partition. If none exists it
	// returns an Index holding only the partition (dimension 0) and writes
	// no row.
	GetIndex(ctx context.Context, p Partition) (Index, error)

	// SetIndexDirty flags a partition's index for rebuild.
	SetIndexDirty(ctx context.Context, p Partition, dirty bool) error

	// CommitIndexSwap records the post-swap state of an Index file: new
	// ntotal, dimension, updated_at, dirty=false (spec §4.7 step 5).
	CommitIndexSwap(ctx context.Context, p Partition, dimension int, ntotal int64, filePath string) error

	// EnqueueJob inserts a new pending job and returns its id.
	EnqueueJob(ctx context.Context, j Job) (string, error)

	// ClaimJob atomically claims the oldest pending job of any partition
	// (SELECT ... FOR UPDATE SKIP LOCKED or engine-equivalent), transitions
	// it to running, and returns it. ok=false when no job is pending.
	ClaimJob(ctx context.Context) (Job, bool, error)

	// UpdateJobProgress writes advisory progress/stage for a running job.
	UpdateJobProgress(ctx context.Context, jobID string, progress int, stage string) error

	// CompleteJob marks a job completed.
	CompleteJob(ctx context.Context, jobID string) error

	// FailJob marks a job failed with a structured error string, or -- if
	// retries remain -- returns it to pending and increments retry_count.
	FailJob(ctx context.Context, jobID string, cause error, maxRetries int) error

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, jobID string) (Job, bool, error)

	// ReapStaleJobs flips running jobs older than staleAfter back to
	// pending (or failed, once retries are exhausted) - the startup
	// watchdog sweep from spec §4.8.
	ReapStaleJobs(ctx context.Context, staleAfter time.Duration, maxRetries int) (int, error)

	// Ping checks backend connectivity for /health.
	Ping(ctx context.Context) error

	// Close releases underlying connections/pools.
	Close() error
}

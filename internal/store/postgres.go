package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresStore is the pooled, concurrent-safe backend: unlike sqlite it
// claims jobs via SELECT ... FOR UPDATE SKIP LOCKED, so multiple worker
// processes can share one queue without the in-process mutex sqlite needs.
type postgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a pgxpool-backed Store against dsn and applies the
// postgres schema.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *postgresStore) Close() error                    { s.pool.Close(); return nil }

func (s *postgresStore) BeginUpsert(ctx context.Context, tenant, namespace, docID, hash string) (UpsertDecision, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	var existingHash string
	err = tx.QueryRow(ctx, `SELECT doc_hash FROM docs WHERE tenant_id=$1 AND namespace=$2 AND doc_id=$3 AND deleted_at IS NULL`,
		tenant, namespace, docID).Scan(&existingHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return UpsertDecision{DocID: docID}, tx.Commit(ctx)
	case err != nil:
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if existingHash == hash {
		return UpsertDecision{Skip: true, DocID: docID}, tx.Commit(ctx)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE docs SET deleted_at=$1 WHERE tenant_id=$2 AND namespace=$3 AND doc_id=$4 AND deleted_at IS NULL`, now, tenant, namespace, docID); err != nil {
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE chunks SET deleted_at=$1 WHERE doc_id=$2 AND tenant_id=$3 AND namespace=$4 AND deleted_at IS NULL`, now, docID, tenant, namespace); err != nil {
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return UpsertDecision{DocID: docID, Superseded: true}, tx.Commit(ctx)
}

func (s *postgresStore) InsertDocument(ctx context.Context, doc Document, chunks []Chunk) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	md, _ := json.Marshal(doc.Metadata)
	if _, err := tx.Exec(ctx, `INSERT INTO docs(doc_id,tenant_id,namespace,filename,mime_type,document_type,doc_hash,embedding_version,chunk_strategy,metadata,created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		doc.DocID, doc.Tenant, doc.Namespace, doc.Filename, doc.MimeType, doc.DocumentType, doc.DocHash, doc.EmbeddingVersion, doc.ChunkStrategy, md, doc.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#c%04d", doc.DocID, c.Ordinal)
		cmd, _ := json.Marshal(c.Metadata)

		// A unique violation on the live chunk_hash index (as opposed to the
		// chunk_id arbiter the ON CONFLICT clause covers) poisons the rest of
		// the transaction under Postgres unless rolled back to a savepoint
		// first.
		if _, err := tx.Exec(ctx, "SAVEPOINT chunk_insert"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		_, err := tx.Exec(ctx, `INSERT INTO chunks(chunk_id,doc_id,tenant_id,namespace,raw_text,embed_text,chunk_hash,faiss_id,ordinal,metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,NULL,$8,$9)
			ON CONFLICT (chunk_id) DO NOTHING`,
			chunkID, doc.DocID, doc.Tenant, doc.Namespace, c.RawText, c.EmbedText, c.ChunkHash, c.Ordinal, cmd)
		if err != nil {
			if isUniqueViolation(err) {
				if _, rerr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT chunk_insert"); rerr != nil {
					return nil, fmt.Errorf("%w: %v", ErrStorage, rerr)
				}
				continue // chunk_hash already live in this partition: leave ids[i] unset
			}
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT chunk_insert"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		ids[i] = chunkID
	}
	return ids, tx.Commit(ctx)
}

func (s *postgresStore) AssignFaissIDs(ctx context.Context, ids map[string]int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)
	for chunkID, faissID := range ids {
		if _, err := tx.Exec(ctx, `UPDATE chunks SET faiss_id=$1 WHERE chunk_id=$2`, faissID, chunkID); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) SoftDeleteDocument(ctx context.Context, tenant, namespace, docID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE chunks SET deleted_at=$1 WHERE doc_id=$2 AND tenant_id=$3 AND namespace=$4 AND deleted_at IS NULL`, now, docID, tenant, namespace)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE docs SET deleted_at=$1 WHERE doc_id=$2 AND tenant_id=$3 AND namespace=$4 AND deleted_at IS NULL`, now, docID, tenant, namespace); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

func (s *postgresStore) GetDocument(ctx context.Context, tenant, namespace, docID string) (Document, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT doc_id,tenant_id,namespace,filename,mime_type,document_type,doc_hash,embedding_version,chunk_strategy,metadata,created_at,deleted_at
		FROM docs WHERE tenant_id=$1 AND namespace=$2 AND doc_id=$3 AND deleted_at IS NULL`, tenant, namespace, docID)
	d, err := scanDocPG(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return d, true, nil
}

func (s *postgresStore) LiveChunks(ctx context.Context, p Partition) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT c.chunk_id,c.doc_id,c.raw_text,c.embed_text,c.chunk_hash,c.faiss_id,c.ordinal,c.metadata
		FROM chunks c JOIN docs d ON d.doc_id=c.doc_id AND d.tenant_id=c.tenant_id AND d.namespace=c.namespace
		WHERE c.tenant_id=$1 AND c.namespace=$2 AND d.document_type=$3 AND d.embedding_version=$4 AND c.deleted_at IS NULL AND d.deleted_at IS NULL
		ORDER BY c.doc_id, c.ordinal`, p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		c, err := scanChunkPG(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetChunks(ctx context.Context, chunkIDs []string) (map[string]Chunk, error) {
	out := map[string]Chunk{}
	if len(chunkIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT chunk_id,doc_id,raw_text,embed_text,chunk_hash,faiss_id,ordinal,metadata,deleted_at FROM chunks WHERE chunk_id = ANY($1)`, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Chunk
		var faiss *int64
		var md []byte
		var deletedAt *time.Time
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.RawText, &c.EmbedText, &c.ChunkHash, &faiss, &c.Ordinal, &md, &deletedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		c.FaissID = faiss
		c.DeletedAt = deletedAt
		_ = json.Unmarshal(md, &c.Metadata)
		out[c.ChunkID] = c
	}
	return out, rows.Err()
}

func (s *postgresStore) DocDeletedFor(ctx context.Context, chunkIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(chunkIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT c.chunk_id, d.deleted_at FROM chunks c
		JOIN docs d ON d.doc_id=c.doc_id AND d.tenant_id=c.tenant_id AND d.namespace=c.namespace
		WHERE c.chunk_id = ANY($1)`, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var deletedAt *time.Time
		if err := rows.Scan(&id, &deletedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		out[id] = deletedAt != nil
	}
	return out, rows.Err()
}

func (s *postgresStore) GetIndex(ctx context.Context, p Partition) (Index, error) {
	row := s.pool.QueryRow(ctx, `SELECT dimension,ntotal,dirty,file_path,updated_at FROM indices WHERE tenant_id=$1 AND namespace=$2 AND document_type=$3 AND embedding_version=$4`,
		p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	var idx Index
	idx.Partition = p
	err := row.Scan(&idx.Dimension, &idx.NTotal, &idx.Dirty, &idx.FilePath, &idx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Index{Partition: p}, nil
	}
	if err != nil {
		return Index{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return idx, nil
}

func (s *postgresStore) SetIndexDirty(ctx context.Context, p Partition, dirty bool) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE indices SET dirty=$1, updated_at=$2 WHERE tenant_id=$3 AND namespace=$4 AND document_type=$5 AND embedding_version=$6`,
		dirty, now, p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.pool.Exec(ctx, `INSERT INTO indices(tenant_id,namespace,document_type,embedding_version,dirty,updated_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion, dirty, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

func (s *postgresStore) CommitIndexSwap(ctx context.Context, p Partition, dimension int, ntotal int64, filePath string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `UPDATE indices SET dimension=$1, ntotal=$2, dirty=false, file_path=$3, updated_at=$4 WHERE tenant_id=$5 AND namespace=$6 AND document_type=$7 AND embedding_version=$8`,
		dimension, ntotal, filePath, now, p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.pool.Exec(ctx, `INSERT INTO indices(tenant_id,namespace,document_type,embedding_version,dimension,ntotal,dirty,file_path,updated_at) VALUES ($1,$2,$3,$4,$5,$6,false,$7,$8)`,
			p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion, dimension, ntotal, filePath, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

func (s *postgresStore) EnqueueJob(ctx context.Context, j Job) (string, error) {
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO jobs(job_id,type,status,payload,progress,stage,tenant_id,namespace,document_type,embedding_version,created_at,updated_at)
		VALUES ($1,$2,$3,$4,0,'',$5,$6,$7,$8,$9,$10)`,
		j.JobID, string(j.Type), string(JobPending), string(j.Payload), j.Partition.Tenant, j.Partition.Namespace, j.Partition.DocumentType, j.Partition.EmbeddingVersion, now, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return j.JobID, nil
}

// ClaimJob uses SELECT ... FOR UPDATE SKIP LOCKED inside one transaction, so
// concurrent worker processes never contend for the same pending row - the
// capability sqlite's ClaimJob documents as unavailable.
func (s *postgresStore) ClaimJob(ctx context.Context) (Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	var jobID string
	err = tx.QueryRow(ctx, `SELECT job_id FROM jobs WHERE status=$1 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`, string(JobPending)).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$1, updated_at=$2 WHERE job_id=$3`, string(JobRunning), now, jobID); err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	row := tx.QueryRow(ctx, jobSelectColumns+` FROM jobs WHERE job_id=$1`, jobID)
	j, err := scanJobPG(row.Scan)
	if err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return j, true, tx.Commit(ctx)
}

func (s *postgresStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, stage string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET progress=$1, stage=$2, updated_at=$3 WHERE job_id=$4`, progress, stage, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *postgresStore) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status=$1, progress=100, completed_at=$2, updated_at=$3 WHERE job_id=$4`, string(JobCompleted), now, now, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *postgresStore) FailJob(ctx context.Context, jobID string, cause error, maxRetries int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)
	var retries int
	if err := tx.QueryRow(ctx, `SELECT retry_count FROM jobs WHERE job_id=$1 FOR UPDATE`, jobID).Scan(&retries); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	now := time.Now().UTC()
	if retries+1 > maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$1, error=$2, retry_count=$3, updated_at=$4, completed_at=$5 WHERE job_id=$6`,
			string(JobFailed), errString(cause), retries+1, now, now, jobID); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$1, error=$2, retry_count=$3, updated_at=$4 WHERE job_id=$5`,
		string(JobPending), errString(cause), retries+1, now, jobID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return tx.Commit(ctx)
}

const jobSelectColumns = `SELECT job_id,type,status,payload,progress,stage,error,retry_count,tenant_id,namespace,document_type,embedding_version,created_at,updated_at,completed_at`

func (s *postgresStore) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	row := s.pool.QueryRow(ctx, jobSelectColumns+` FROM jobs WHERE job_id=$1`, jobID)
	j, err := scanJobPG(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return j, true, nil
}

func (s *postgresStore) ReapStaleJobs(ctx context.Context, staleAfter time.Duration, maxRetries int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := tx.Query(ctx, `SELECT job_id, retry_count FROM jobs WHERE status=$1 AND updated_at < $2 FOR UPDATE`, string(JobRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	type stale struct {
		id      string
		retries int
	}
	var batch []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.retries); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		batch = append(batch, st)
	}
	rows.Close()

	now := time.Now().UTC()
	for _, st := range batch {
		if st.retries+1 > maxRetries {
			if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$1, error='stale: worker died', retry_count=$2, updated_at=$3, completed_at=$4 WHERE job_id=$5`,
				string(JobFailed), st.retries+1, now, now, st.id); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status=$1, retry_count=$2, updated_at=$3 WHERE job_id=$4`,
			string(JobPending), st.retries+1, now, st.id); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return len(batch), tx.Commit(ctx)
}

func scanDocPG(scan func(dest ...any) error) (Document, error) {
	var d Document
	var md []byte
	var deletedAt *time.Time
	if err := scan(&d.DocID, &d.Tenant, &d.Namespace, &d.Filename, &d.MimeType, &d.DocumentType, &d.DocHash, &d.EmbeddingVersion, &d.ChunkStrategy, &md, &d.CreatedAt, &deletedAt); err != nil {
		return Document{}, err
	}
	_ = json.Unmarshal(md, &d.Metadata)
	d.DeletedAt = deletedAt
	return d, nil
}

func scanChunkPG(scan func(dest ...any) error) (Chunk, error) {
	var c Chunk
	var faiss *int64
	var md []byte
	if err := scan(&c.ChunkID, &c.DocID, &c.RawText, &c.EmbedText, &c.ChunkHash, &faiss, &c.Ordinal, &md); err != nil {
		return Chunk{}, err
	}
	c.FaissID = faiss
	_ = json.Unmarshal(md, &c.Metadata)
	return c, nil
}

func scanJobPG(scan func(dest ...any) error) (Job, error) {
	var j Job
	var payload string
	var completedAt *time.Time
	if err := scan(&j.JobID, &j.Type, &j.Status, &payload, &j.Progress, &j.Stage, &j.Error, &j.RetryCount,
		&j.Partition.Tenant, &j.Partition.Namespace, &j.Partition.DocumentType, &j.Partition.EmbeddingVersion,
		&j.CreatedAt, &j.UpdatedAt, &completedAt); err != nil {
		return Job{}, err
	}
	j.Payload = []byte(payload)
	j.CompletedAt = completedAt
	return j, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteStore is the zero-config default backend (spec §6, DATABASE_URL
// default local sqlite). Postgres's SELECT ... FOR UPDATE SKIP LOCKED has no
// sqlite equivalent worth the complexity at this scale, so job claiming is
// serialized with an in-process mutex instead - a documented degradation
// consistent with the spec's single-writer assumption.
type sqliteStore struct {
	db      *sql.DB
	jobMu   sync.Mutex
	dialect dialect
}

// OpenSQLite opens (creating if absent) a sqlite-backed Store at path.
func OpenSQLite(ctx context.Context, path string) (Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time avoids SQLITE_BUSY under our own concurrency
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, dialect: dialectQuestion}, nil
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqliteStore) Close() error                   { return s.db.Close() }

func (s *sqliteStore) BeginUpsert(ctx context.Context, tenant, namespace, docID, docHash string) (UpsertDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertDecision{}, err
	}
	defer tx.Rollback()

	var existingHash string
	err = tx.QueryRowContext(ctx,
		`SELECT doc_hash FROM docs WHERE tenant_id=? AND namespace=? AND doc_id=? AND deleted_at IS NULL`,
		tenant, namespace, docID).Scan(&existingHash)
	switch {
	case err == sql.ErrNoRows:
		return UpsertDecision{DocID: docID}, tx.Commit()
	case err != nil:
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if existingHash == docHash {
		return UpsertDecision{Skip: true, DocID: docID}, tx.Commit()
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE docs SET deleted_at=? WHERE tenant_id=? AND namespace=? AND doc_id=? AND deleted_at IS NULL`, now, tenant, namespace, docID); err != nil {
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET deleted_at=? WHERE doc_id=? AND tenant_id=? AND namespace=? AND deleted_at IS NULL`, now, docID, tenant, namespace); err != nil {
		return UpsertDecision{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return UpsertDecision{DocID: docID, Superseded: true}, tx.Commit()
}

func (s *sqliteStore) InsertDocument(ctx context.Context, doc Document, chunks []Chunk) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	md, _ := json.Marshal(doc.Metadata)
	if _, err := tx.ExecContext(ctx, `INSERT INTO docs(doc_id,tenant_id,namespace,filename,mime_type,document_type,doc_hash,embedding_version,chunk_strategy,metadata,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		doc.DocID, doc.Tenant, doc.Namespace, doc.Filename, doc.MimeType, doc.DocumentType, doc.DocHash, doc.EmbeddingVersion, doc.ChunkStrategy, string(md), doc.CreatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#c%04d", doc.DocID, c.Ordinal)
		cmd, _ := json.Marshal(c.Metadata)
		_, err := tx.ExecContext(ctx, `INSERT INTO chunks(chunk_id,doc_id,tenant_id,namespace,raw_text,embed_text,chunk_hash,faiss_id,ordinal,metadata) VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(chunk_id) DO NOTHING`,
			chunkID, doc.DocID, doc.Tenant, doc.Namespace, c.RawText, c.EmbedText, c.ChunkHash, nil, c.Ordinal, string(cmd))
		if err != nil {
			if isUniqueViolation(err) {
				continue // chunk_hash already live in this partition: leave ids[i] unset
			}
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		ids[i] = chunkID
	}
	return ids, tx.Commit()
}

func (s *sqliteStore) AssignFaissIDs(ctx context.Context, ids map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for chunkID, faissID := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE chunks SET faiss_id=? WHERE chunk_id=?`, faissID, chunkID); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SoftDeleteDocument(ctx context.Context, tenant, namespace, docID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE chunks SET deleted_at=? WHERE doc_id=? AND tenant_id=? AND namespace=? AND deleted_at IS NULL`, now, docID, tenant, namespace)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `UPDATE docs SET deleted_at=? WHERE doc_id=? AND tenant_id=? AND namespace=? AND deleted_at IS NULL`, now, docID, tenant, namespace); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return int(n), tx.Commit()
}

func (s *sqliteStore) GetDocument(ctx context.Context, tenant, namespace, docID string) (Document, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc_id,tenant_id,namespace,filename,mime_type,document_type,doc_hash,embedding_version,chunk_strategy,metadata,created_at,deleted_at
		FROM docs WHERE tenant_id=? AND namespace=? AND doc_id=? AND deleted_at IS NULL`, tenant, namespace, docID)
	d, err := scanDoc(row.Scan)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return d, true, nil
}

func (s *sqliteStore) LiveChunks(ctx context.Context, p Partition) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.chunk_id,c.doc_id,c.raw_text,c.embed_text,c.chunk_hash,c.faiss_id,c.ordinal,c.metadata
		FROM chunks c JOIN docs d ON d.doc_id=c.doc_id AND d.tenant_id=c.tenant_id AND d.namespace=c.namespace
		WHERE c.tenant_id=? AND c.namespace=? AND d.document_type=? AND d.embedding_version=? AND c.deleted_at IS NULL AND d.deleted_at IS NULL
		ORDER BY c.doc_id, c.ordinal`, p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	var out []Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetChunks(ctx context.Context, chunkIDs []string) (map[string]Chunk, error) {
	out := map[string]Chunk{}
	if len(chunkIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id,doc_id,raw_text,embed_text,chunk_hash,faiss_id,ordinal,metadata,deleted_at FROM chunks WHERE chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Chunk
		var faiss sql.NullInt64
		var md string
		var deletedAt sql.NullTime
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.RawText, &c.EmbedText, &c.ChunkHash, &faiss, &c.Ordinal, &md, &deletedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if faiss.Valid {
			c.FaissID = &faiss.Int64
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			c.DeletedAt = &t
		}
		_ = json.Unmarshal([]byte(md), &c.Metadata)
		out[c.ChunkID] = c
	}
	return out, rows.Err()
}

func (s *sqliteStore) DocDeletedFor(ctx context.Context, chunkIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(chunkIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT c.chunk_id, d.deleted_at FROM chunks c JOIN docs d ON d.doc_id=c.doc_id AND d.tenant_id=c.tenant_id AND d.namespace=c.namespace WHERE c.chunk_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var deletedAt sql.NullTime
		if err := rows.Scan(&id, &deletedAt); err != nil {
			return nil, err
		}
		out[id] = deletedAt.Valid
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetIndex(ctx context.Context, p Partition) (Index, error) {
	row := s.db.QueryRowContext(ctx, `SELECT dimension,ntotal,dirty,file_path,updated_at FROM indices WHERE tenant_id=? AND namespace=? AND document_type=? AND embedding_version=?`,
		p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	var idx Index
	idx.Partition = p
	var dirty int
	err := row.Scan(&idx.Dimension, &idx.NTotal, &dirty, &idx.FilePath, &idx.UpdatedAt)
	if err == sql.ErrNoRows {
		return Index{Partition: p}, nil
	}
	if err != nil {
		return Index{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	idx.Dirty = dirty != 0
	return idx, nil
}

func (s *sqliteStore) SetIndexDirty(ctx context.Context, p Partition, dirty bool) error {
	now := time.Now().UTC()
	v := 0
	if dirty {
		v = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE indices SET dirty=?, updated_at=? WHERE tenant_id=? AND namespace=? AND document_type=? AND embedding_version=?`,
		v, now, p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO indices(tenant_id,namespace,document_type,embedding_version,dirty,updated_at) VALUES (?,?,?,?,?,?)`,
			p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion, v, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

func (s *sqliteStore) CommitIndexSwap(ctx context.Context, p Partition, dimension int, ntotal int64, filePath string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE indices SET dimension=?, ntotal=?, dirty=0, file_path=?, updated_at=? WHERE tenant_id=? AND namespace=? AND document_type=? AND embedding_version=?`,
		dimension, ntotal, filePath, now, p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := s.db.ExecContext(ctx, `INSERT INTO indices(tenant_id,namespace,document_type,embedding_version,dimension,ntotal,dirty,file_path,updated_at) VALUES (?,?,?,?,?,?,0,?,?)`,
			p.Tenant, p.Namespace, p.DocumentType, p.EmbeddingVersion, dimension, ntotal, filePath, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

func (s *sqliteStore) EnqueueJob(ctx context.Context, j Job) (string, error) {
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(job_id,type,status,payload,progress,stage,tenant_id,namespace,document_type,embedding_version,created_at,updated_at)
		VALUES (?,?,?,?,0,'',?,?,?,?,?,?)`,
		j.JobID, string(j.Type), string(JobPending), string(j.Payload), j.Partition.Tenant, j.Partition.Namespace, j.Partition.DocumentType, j.Partition.EmbeddingVersion, now, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return j.JobID, nil
}

// ClaimJob serializes with an in-process mutex: sqlite has no SKIP LOCKED,
// and the spec assumes a single writer.
func (s *sqliteStore) ClaimJob(ctx context.Context) (Job, bool, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT job_id FROM jobs WHERE status=? ORDER BY created_at LIMIT 1`, string(JobPending))
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE job_id=?`, string(JobRunning), now, jobID); err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	j, ok, err := s.GetJob(ctx, jobID)
	return j, ok, err
}

func (s *sqliteStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, stage string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET progress=?, stage=?, updated_at=? WHERE job_id=?`, progress, stage, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStore) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, progress=100, completed_at=?, updated_at=? WHERE job_id=?`, string(JobCompleted), now, now, jobID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStore) FailJob(ctx context.Context, jobID string, cause error, maxRetries int) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	var retries int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM jobs WHERE job_id=?`, jobID).Scan(&retries); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	now := time.Now().UTC()
	if retries+1 > maxRetries {
		_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, error=?, retry_count=?, updated_at=?, completed_at=? WHERE job_id=?`,
			string(JobFailed), errString(cause), retries+1, now, now, jobID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, error=?, retry_count=?, updated_at=? WHERE job_id=?`,
		string(JobPending), errString(cause), retries+1, now, jobID)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id,type,status,payload,progress,stage,error,retry_count,tenant_id,namespace,document_type,embedding_version,created_at,updated_at,completed_at FROM jobs WHERE job_id=?`, jobID)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return j, true, nil
}

func (s *sqliteStore) ReapStaleJobs(ctx context.Context, staleAfter time.Duration, maxRetries int) (int, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, retry_count FROM jobs WHERE status=? AND updated_at < ?`, string(JobRunning), cutoff)
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
			return 0, err
		}
		batch = append(batch, st)
	}
	rows.Close()

	now := time.Now().UTC()
	n := 0
	for _, st := range batch {
		if st.retries+1 > maxRetries {
			_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, error='stale: worker died', retry_count=?, updated_at=?, completed_at=? WHERE job_id=?`,
				string(JobFailed), st.retries+1, now, now, st.id)
			if err != nil {
				return n, err
			}
		} else {
			_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status=?, retry_count=?, updated_at=? WHERE job_id=?`,
				string(JobPending), st.retries+1, now, st.id)
			if err != nil {
				return n, err
			}
		}
		n++
	}
	return n, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") || strings.Contains(err.Error(), "duplicate key")
}

type dialect int

const (
	dialectQuestion dialect = iota
	dialectDollar
)

func scanDoc(scan func(dest ...any) error) (Document, error) {
	var d Document
	var md string
	var deletedAt sql.NullTime
	if err := scan(&d.DocID, &d.Tenant, &d.Namespace, &d.Filename, &d.MimeType, &d.DocumentType, &d.DocHash, &d.EmbeddingVersion, &d.ChunkStrategy, &md, &d.CreatedAt, &deletedAt); err != nil {
		return Document{}, err
	}
	_ = json.Unmarshal([]byte(md), &d.Metadata)
	if deletedAt.Valid {
		t := deletedAt.Time
		d.DeletedAt = &t
	}
	return d, nil
}

func scanChunk(scan func(dest ...any) error) (Chunk, error) {
	var c Chunk
	var faiss sql.NullInt64
	var md string
	if err := scan(&c.ChunkID, &c.DocID, &c.RawText, &c.EmbedText, &c.ChunkHash, &faiss, &c.Ordinal, &md); err != nil {
		return Chunk{}, err
	}
	if faiss.Valid {
		c.FaissID = &faiss.Int64
	}
	_ = json.Unmarshal([]byte(md), &c.Metadata)
	return c, nil
}

func scanJob(scan func(dest ...any) error) (Job, error) {
	var j Job
	var payload string
	var completedAt sql.NullTime
	if err := scan(&j.JobID, &j.Type, &j.Status, &payload, &j.Progress, &j.Stage, &j.Error, &j.RetryCount,
		&j.Partition.Tenant, &j.Partition.Namespace, &j.Partition.DocumentType, &j.Partition.EmbeddingVersion,
		&j.CreatedAt, &j.UpdatedAt, &completedAt); err != nil {
		return Job{}, err
	}
	j.Payload = []byte(payload)
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

package store

// Schema: relational layout described in spec §6 ("Persisted layout"),
// tables docs, chunks, indices, jobs plus the indexes the spec names.
// Two dialects are maintained side by side because the zero-config default
// backend is sqlite and the concurrent-safe job queue needs Postgres's
// SELECT ... FOR UPDATE SKIP LOCKED.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS docs (
	doc_id            TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	namespace         TEXT NOT NULL,
	filename          TEXT NOT NULL,
	mime_type         TEXT NOT NULL DEFAULT '',
	document_type     TEXT NOT NULL DEFAULT 'default',
	doc_hash          TEXT NOT NULL,
	embedding_version TEXT NOT NULL DEFAULT '',
	chunk_strategy    TEXT NOT NULL DEFAULT '',
	metadata          TEXT NOT NULL DEFAULT '{}',
	created_at        DATETIME NOT NULL,
	deleted_at        DATETIME,
	PRIMARY KEY (tenant_id, namespace, doc_id, created_at)
);
CREATE INDEX IF NOT EXISTS idx_docs_tenant_ns ON docs(tenant_id, namespace);
CREATE INDEX IF NOT EXISTS idx_docs_deleted ON docs(deleted_at);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id    TEXT PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	namespace   TEXT NOT NULL,
	raw_text    TEXT NOT NULL,
	embed_text  TEXT NOT NULL,
	chunk_hash  TEXT NOT NULL,
	faiss_id    INTEGER,
	ordinal     INTEGER NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	deleted_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_hash_live ON chunks(tenant_id, namespace, chunk_hash) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_chunks_deleted ON chunks(deleted_at);

CREATE TABLE IF NOT EXISTS indices (
	tenant_id         TEXT NOT NULL,
	namespace         TEXT NOT NULL,
	document_type     TEXT NOT NULL,
	embedding_version TEXT NOT NULL,
	dimension         INTEGER NOT NULL DEFAULT 0,
	ntotal            INTEGER NOT NULL DEFAULT 0,
	dirty             INTEGER NOT NULL DEFAULT 0,
	file_path         TEXT NOT NULL DEFAULT '',
	updated_at        DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, namespace, document_type, embedding_version)
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	progress     INTEGER NOT NULL DEFAULT 0,
	stage        TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	tenant_id    TEXT NOT NULL DEFAULT '',
	namespace    TEXT NOT NULL DEFAULT '',
	document_type     TEXT NOT NULL DEFAULT '',
	embedding_version TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS docs (
	doc_id            TEXT NOT NULL,
	tenant_id         TEXT NOT NULL,
	namespace         TEXT NOT NULL,
	filename          TEXT NOT NULL,
	mime_type         TEXT NOT NULL DEFAULT '',
	document_type     TEXT NOT NULL DEFAULT 'default',
	doc_hash          TEXT NOT NULL,
	embedding_version TEXT NOT NULL DEFAULT '',
	chunk_strategy    TEXT NOT NULL DEFAULT '',
	metadata          JSONB NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL,
	deleted_at        TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, namespace, doc_id, created_at)
);
CREATE INDEX IF NOT EXISTS idx_docs_tenant_ns ON docs(tenant_id, namespace);
CREATE INDEX IF NOT EXISTS idx_docs_deleted ON docs(deleted_at);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id    TEXT PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	namespace   TEXT NOT NULL,
	raw_text    TEXT NOT NULL,
	embed_text  TEXT NOT NULL,
	chunk_hash  TEXT NOT NULL,
	faiss_id    BIGINT,
	ordinal     INTEGER NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	deleted_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_hash_live ON chunks(tenant_id, namespace, chunk_hash) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_chunks_deleted ON chunks(deleted_at);

CREATE TABLE IF NOT EXISTS indices (
	tenant_id         TEXT NOT NULL,
	namespace         TEXT NOT NULL,
	document_type     TEXT NOT NULL,
	embedding_version TEXT NOT NULL,
	dimension         INTEGER NOT NULL DEFAULT 0,
	ntotal            BIGINT NOT NULL DEFAULT 0,
	dirty             BOOLEAN NOT NULL DEFAULT false,
	file_path         TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, namespace, document_type, embedding_version)
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id       TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	payload      TEXT NOT NULL DEFAULT '',
	progress     INTEGER NOT NULL DEFAULT 0,
	stage        TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	tenant_id    TEXT NOT NULL DEFAULT '',
	namespace    TEXT NOT NULL DEFAULT '',
	document_type     TEXT NOT NULL DEFAULT '',
	embedding_version TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/manifold-labs/ragcore/internal/chunker"
	"github.com/manifold-labs/ragcore/internal/retrieve"
	"github.com/manifold-labs/ragcore/internal/store"
	"github.com/manifold-labs/ragcore/internal/worker"
)

// ingestRequest mirrors spec §6's POST /ingest body. project_id maps onto
// the store's Namespace field; tenant/namespace/document_type/
// embedding_version together form a Partition.
type ingestRequest struct {
	TenantID      string         `json:"tenant_id"`
	ProjectID     string         `json:"project_id"`
	Filename      string         `json:"filename"`
	Text          string         `json:"text"`
	UserID        string         `json:"user_id,omitempty"`
	MimeType      string         `json:"mime_type,omitempty"`
	DocumentType  string         `json:"document_type,omitempty"`
	ChunkStrategy string         `json:"chunk_strategy,omitempty"`
	ChunkOverlap  *int           `json:"chunk_overlap,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func (req ingestRequest) validate() string {
	switch {
	case req.TenantID == "":
		return "tenant_id"
	case req.ProjectID == "":
		return "project_id"
	case req.Filename == "":
		return "filename"
	case req.Text == "":
		return "text"
	default:
		return ""
	}
}

func (req ingestRequest) documentType() string {
	if req.DocumentType == "" {
		return "default"
	}
	return req.DocumentType
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if field := req.validate(); field != "" {
		respondError(w, http.StatusUnprocessableEntity, "missing required field: "+field)
		return
	}

	docID := docIDFor(req.TenantID, req.ProjectID, req.Filename)
	outcome, err := s.Worker.IngestSync(ctx, worker.IngestPayload{
		DocID: docID, Tenant: req.TenantID, Namespace: req.ProjectID, Filename: req.Filename,
		MimeType: req.MimeType, DocumentType: req.documentType(), EmbeddingVersion: s.Build.EmbeddingVersion,
		ChunkStrategy: req.ChunkStrategy, ChunkOverlap: req.ChunkOverlap, Text: req.Text, Metadata: req.Metadata,
	})
	if err != nil {
		logRequestErr(ctx, "ingest", err)
		respondError(w, statusFromError(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"project_id":    req.ProjectID,
		"document_type": req.documentType(),
		"doc_id":        outcome.DocID,
		"chunks_added":  outcome.ChunksAdded,
	})
}

// docIDFor derives a stable doc_id from the identifying fields of an ingest
// request; a caller that re-submits the same (tenant, project, filename)
// triple upserts the same document row.
func docIDFor(tenant, project, filename string) string {
	return chunkHashString(tenant + "/" + project + "/" + filename)
}

type upsertBatchRequest struct {
	AsyncMode bool            `json:"async_mode"`
	Docs      []ingestRequest `json:"docs"`
}

func (s *Server) handleUpsertBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req upsertBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	accepted := 0
	var lastJobID string
	for _, d := range req.Docs {
		if field := d.validate(); field != "" {
			continue
		}
		payload, _ := json.Marshal(worker.IngestPayload{
			DocID: docIDFor(d.TenantID, d.ProjectID, d.Filename), Tenant: d.TenantID, Namespace: d.ProjectID,
			Filename: d.Filename, MimeType: d.MimeType, DocumentType: d.documentType(),
			EmbeddingVersion: s.Build.EmbeddingVersion, ChunkStrategy: d.ChunkStrategy, ChunkOverlap: d.ChunkOverlap,
			Text: d.Text, Metadata: d.Metadata,
		})
		partition := store.Partition{Tenant: d.TenantID, Namespace: d.ProjectID, DocumentType: d.documentType(), EmbeddingVersion: s.Build.EmbeddingVersion}
		jobID, err := s.Store.EnqueueJob(ctx, store.Job{Type: store.JobIngest, Payload: payload, Partition: partition})
		if err != nil {
			logRequestErr(ctx, "upsert_batch_enqueue", err)
			continue
		}
		accepted++
		lastJobID = jobID
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted, "job_id": lastJobID})
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID := r.PathValue("doc_id")
	tenant := r.URL.Query().Get("tenant_id")
	namespace := r.URL.Query().Get("namespace")
	if docID == "" || tenant == "" || namespace == "" {
		respondError(w, http.StatusUnprocessableEntity, "doc_id, tenant_id and namespace are required")
		return
	}

	// Look the document up before deleting it: GetDocument only returns
	// live documents, and its partition is needed for the rebuild.
	doc, found, lookupErr := s.Store.GetDocument(ctx, tenant, namespace, docID)

	n, err := s.Store.SoftDeleteDocument(ctx, tenant, namespace, docID)
	if err != nil {
		logRequestErr(ctx, "delete_doc", err)
		respondError(w, statusFromError(err), err.Error())
		return
	}

	var jobID string
	if lookupErr == nil && found {
		partition := store.Partition{Tenant: tenant, Namespace: namespace, DocumentType: doc.DocumentType, EmbeddingVersion: doc.EmbeddingVersion}
		_ = s.Store.SetIndexDirty(ctx, partition, true)
		s.SparseCache.Invalidate(partition.Key())
		payload, _ := json.Marshal(worker.RebuildPayload{Partition: partition, Reembed: false})
		jobID, _ = s.Store.EnqueueJob(ctx, store.Job{Type: store.JobRebuild, Payload: payload, Partition: partition})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"deleted":        n > 0,
		"chunks_deleted": n,
		"job_id":         jobID,
	})
}

type rebuildRequest struct {
	TenantID     string `json:"tenant_id"`
	Namespace    string `json:"namespace"`
	DocumentType string `json:"document_type,omitempty"`
	Reembed      bool   `json:"reembed,omitempty"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req rebuildRequest
	if err := decodeJSON(r, &req); err != nil || req.TenantID == "" || req.Namespace == "" {
		respondError(w, http.StatusUnprocessableEntity, "tenant_id and namespace are required")
		return
	}
	docType := req.DocumentType
	if docType == "" {
		docType = "default"
	}
	partition := store.Partition{Tenant: req.TenantID, Namespace: req.Namespace, DocumentType: docType, EmbeddingVersion: s.Build.EmbeddingVersion}
	payload, _ := json.Marshal(worker.RebuildPayload{Partition: partition, Reembed: req.Reembed})
	jobID, err := s.Store.EnqueueJob(ctx, store.Job{Type: store.JobRebuild, Payload: payload, Partition: partition})
	if err != nil {
		logRequestErr(ctx, "rebuild", err)
		respondError(w, statusFromError(err), err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("job_id")
	job, ok, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		logRequestErr(ctx, "get_job", err)
		respondError(w, statusFromError(err), err.Error())
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	body := map[string]any{
		"job_id": job.JobID, "type": job.Type, "status": job.Status,
		"progress": job.Progress, "created_at": job.CreatedAt, "updated_at": job.UpdatedAt,
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	if job.CompletedAt != nil {
		body["completed_at"] = job.CompletedAt
	}
	respondJSON(w, http.StatusOK, body)
}

type searchRequest struct {
	TenantID     string `json:"tenant_id"`
	ProjectID    string `json:"project_id"`
	Query        string `json:"query,omitempty"`
	Question     string `json:"question,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	TopK         int    `json:"top_k,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	query := req.Query
	if query == "" {
		query = req.Question
	}
	if req.TenantID == "" || req.ProjectID == "" || query == "" {
		respondError(w, http.StatusUnprocessableEntity, "tenant_id, project_id and query are required")
		return
	}
	docType := req.DocumentType
	if docType == "" {
		docType = "default"
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}
	if topK > 50 {
		topK = 50
	}

	partition := store.Partition{Tenant: req.TenantID, Namespace: req.ProjectID, DocumentType: docType, EmbeddingVersion: s.Build.EmbeddingVersion}
	idx, err := s.Store.GetIndex(ctx, partition)
	if err != nil {
		logRequestErr(ctx, "search_get_index", err)
		respondError(w, statusFromError(err), err.Error())
		return
	}
	if idx.Dimension == 0 {
		respondError(w, http.StatusNotFound, "no index exists for this partition")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.SearchTimeout)
	defer cancel()
	hits, err := s.Retriever.Search(ctx, retrieve.Request{Partition: partition, Query: query, TopK: topK})
	if err != nil {
		logRequestErr(ctx, "search", err)
		respondError(w, statusFromError(err), err.Error())
		return
	}

	chunks := make([]map[string]any, len(hits))
	for i, h := range hits {
		chunks[i] = map[string]any{
			"doc_id": h.DocID, "chunk_id": h.ChunkID, "text": h.Text,
			"score": h.Score, "metadata": h.Metadata,
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := s.Store.Ping(ctx) == nil
	indexOK := s.DenseStore != nil
	jobQueueOK := dbOK
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":             dbOK && indexOK && jobQueueOK,
		"db_ok":          dbOK,
		"index_store_ok": indexOK,
		"jobqueue_ok":    jobQueueOK,
		"build_info":     s.Build,
	})
}

func (s *Server) handleStrategiesList(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, 9)
	for _, strat := range chunker.Strategies() {
		names = append(names, strat.Name())
	}
	respondJSON(w, http.StatusOK, map[string]any{"strategies": names})
}

type strategiesDetectRequest struct {
	Text         string `json:"text"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
}

func (s *Server) handleStrategiesDetect(w http.ResponseWriter, r *http.Request) {
	var req strategiesDetectRequest
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		respondError(w, http.StatusUnprocessableEntity, "text is required")
		return
	}
	meta := chunker.Metadata{Filename: req.Filename, MimeType: req.MimeType, DocumentType: req.DocumentType}
	scores, best := chunker.Detect(req.Text, meta)
	respondJSON(w, http.StatusOK, map[string]any{"scores": scores, "selected": best.Name()})
}

type strategiesTestRequest struct {
	Text         string `json:"text"`
	Strategy     string `json:"strategy,omitempty"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
}

func (s *Server) handleStrategiesTest(w http.ResponseWriter, r *http.Request) {
	var req strategiesTestRequest
	if err := decodeJSON(r, &req); err != nil || req.Text == "" {
		respondError(w, http.StatusUnprocessableEntity, "text is required")
		return
	}
	result, err := chunker.Chunk(chunker.Request{
		Text:     req.Text,
		Strategy: req.Strategy,
		Meta:     chunker.Metadata{Filename: req.Filename, MimeType: req.MimeType, DocumentType: req.DocumentType},
	})
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	sizes := make([]int, len(result.Chunks))
	for i, c := range result.Chunks {
		sizes[i] = len([]rune(c))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"strategy": result.Strategy,
		"count":    len(result.Chunks),
		"sizes":    sizes,
	})
}

func chunkHashString(s string) string {
	return strconv.FormatUint(fnv1a(s), 16)
}

// fnv1a is a tiny, dependency-free hash used only to derive a stable doc_id
// from identifying request fields - not a content hash, so it never
// participates in the doc_hash idempotency check.
func fnv1a(s string) uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

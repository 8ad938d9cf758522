// Package httpapi is the API Surface (C12): the HTTP front door over the
// worker/job queue for ingestion and over the Retriever for search, plus
// job status, health, and chunking introspection (spec.md §6).
//
// Grounded on the teacher's internal/agentd router/handler shape (one
// handler per resource, a shared JSON response helper), adapted to Go 1.22's
// method-and-path-variable ServeMux patterns.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/manifold-labs/ragcore/internal/denseindex"
	"github.com/manifold-labs/ragcore/internal/observability"
	"github.com/manifold-labs/ragcore/internal/retrieve"
	"github.com/manifold-labs/ragcore/internal/sparseindex"
	"github.com/manifold-labs/ragcore/internal/store"
	"github.com/manifold-labs/ragcore/internal/worker"
)

// BuildInfo is surfaced by GET /health.
type BuildInfo struct {
	Version          string `json:"version"`
	EmbeddingModel   string `json:"embedding_model"`
	EmbeddingVersion string `json:"embedding_version"`
}

// Server wires every dependency the handlers need.
type Server struct {
	Store         store.Store
	DenseStore    *denseindex.Store
	SparseCache   *sparseindex.Cache
	Retriever     *retrieve.Retriever
	Worker        *worker.Worker
	Build         BuildInfo
	SearchTimeout time.Duration

	mux *http.ServeMux
}

func New(st store.Store, dense *denseindex.Store, sparse *sparseindex.Cache, retriever *retrieve.Retriever, wk *worker.Worker, build BuildInfo, searchTimeout time.Duration) *Server {
	if searchTimeout <= 0 {
		searchTimeout = 10 * time.Second
	}
	s := &Server{Store: st, DenseStore: dense, SparseCache: sparse, Retriever: retriever, Worker: wk, Build: build, SearchTimeout: searchTimeout}
	s.mux = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("POST /search", s.handleSearch)
	mux.HandleFunc("POST /docs/upsert/batch", s.handleUpsertBatch)
	mux.HandleFunc("DELETE /docs/{doc_id}", s.handleDeleteDoc)
	mux.HandleFunc("POST /index/rebuild", s.handleRebuild)
	mux.HandleFunc("GET /jobs/{job_id}", s.handleGetJob)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /strategies/list", s.handleStrategiesList)
	mux.HandleFunc("POST /strategies/detect", s.handleStrategiesDetect)
	mux.HandleFunc("POST /strategies/test", s.handleStrategiesTest)
	return mux
}

func logRequestErr(ctx context.Context, op string, err error) {
	observability.LoggerWithTrace(ctx).Error().Str("op", op).Err(err).Msg("httpapi: request failed")
}

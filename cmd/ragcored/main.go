// Command ragcored runs the ingestion/retrieval backend: the API surface,
// the job queue worker, and the startup watchdog sweep, all in one process.
//
// Grounded on the teacher's cmd/agentd/main.go: load .env, init the logger,
// load config, wire dependencies by hand (no DI container), serve HTTP,
// shut down on signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/ragcore/internal/config"
	"github.com/manifold-labs/ragcore/internal/denseindex"
	"github.com/manifold-labs/ragcore/internal/embedder"
	"github.com/manifold-labs/ragcore/internal/enrich"
	"github.com/manifold-labs/ragcore/internal/httpapi"
	"github.com/manifold-labs/ragcore/internal/objectstore"
	"github.com/manifold-labs/ragcore/internal/observability"
	"github.com/manifold-labs/ragcore/internal/orchestrator"
	"github.com/manifold-labs/ragcore/internal/rerank"
	"github.com/manifold-labs/ragcore/internal/retrieve"
	"github.com/manifold-labs/ragcore/internal/sparseindex"
	"github.com/manifold-labs/ragcore/internal/store"
	"github.com/manifold-labs/ragcore/internal/worker"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg := config.Load()
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{
		ServiceName: "ragcore", ServiceVersion: "dev", OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Warn().Err(err).Msg("ragcored: otel metrics init failed, continuing without them")
	} else {
		defer func() { _ = shutdownMetrics(context.Background()) }()
	}

	st, err := store.Open(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("ragcored: failed to open metadata store")
	}
	defer st.Close()

	dense := denseindex.NewStore(cfg.Storage.IndexDir)
	sparse := sparseindex.NewCache(storeChunkSource{st: st})

	emb := buildEmbedder(cfg.Embedding)
	plan := orchestrator.BuildPlan(cfg.Orchestrator.Devices)
	orch := orchestrator.New(plan)

	var enricher *enrich.Service
	if cfg.Enrich.Enabled {
		enricher = buildEnricher(cfg.Enrich)
		orch.Register(orchestrator.RoleLLM, enricherUnloader{})
	}

	// With reranking disabled the retriever gets no reranker at all, so the
	// fused order and scores are returned as they are.
	var reranker rerank.Reranker
	if cfg.Rerank.Enabled {
		hr := rerank.NewHTTPReranker(cfg.Rerank.Endpoint, cfg.Rerank.Model, cfg.Rerank.Batch, cfg.Rerank.Timeout)
		reranker = hr
		orch.Register(orchestrator.RoleReranker, hr)
	}

	retriever := retrieve.New(emb, dense, sparse, reranker, st)
	retriever.RerankTopK = 50

	wk := worker.New(st, dense, sparse, emb, enricher, worker.Config{
		PollInterval:   cfg.Jobs.PollInterval,
		StaleAfter:     cfg.Jobs.StaleAfter,
		MaxRetries:     cfg.Jobs.MaxRetries,
		IngestTimeout:  cfg.Jobs.IngestTimeout,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	})
	wk.RawStore = buildRawStore(ctx, cfg.RawStore)
	go wk.Run(ctx)

	build := httpapi.BuildInfo{Version: "dev", EmbeddingModel: cfg.Embedding.Model, EmbeddingVersion: cfg.Embedding.EmbeddingVersion}
	srv := httpapi.New(st, dense, sparse, retriever, wk, build, cfg.SearchTimeout)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv}

	go func() {
		log.Info().Str("addr", addr).Msg("ragcored: listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("ragcored: server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("ragcored: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ragcored: graceful shutdown failed")
	}
}

func buildEmbedder(cfg config.EmbeddingConfig) *embedder.Service {
	if cfg.Endpoint == "" {
		log.Warn().Msg("ragcored: EMBEDDING_ENDPOINT unset, using deterministic in-process embedder")
		return embedder.NewDeterministicService(cfg.Dimension, cfg.EmbeddingVersion)
	}
	backend := embedder.NewHTTPBackend(cfg.Endpoint, cfg.Model)
	cpuBackend := embedder.Deterministic{Dim: cfg.Dimension, Seed: 0}
	return embedder.NewService(backend, cpuBackend, cfg.Dimension, cfg.EmbeddingVersion, cfg.BatchSize, 5*time.Minute)
}

func buildEnricher(cfg config.EnrichConfig) *enrich.Service {
	var gen enrich.Generator
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		gen = enrich.NewAnthropicGenerator(firstOf(cfg.ModelEndpoints), cfg.APIKey, cfg.Model)
	default:
		gen = enrich.NewOpenAIGenerator(firstOf(cfg.ModelEndpoints), cfg.APIKey, cfg.Model)
	}

	var cache enrich.Cache
	if cfg.RedisURL != "" {
		rc, err := enrich.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("ragcored: redis enrichment cache unavailable, falling back to in-memory")
			cache = enrich.NewMemCache()
		} else {
			cache = rc
		}
	} else {
		cache = enrich.NewMemCache()
	}

	return enrich.NewService(gen, cache, cfg.Model, cfg.Workers, cfg.Timeout, cfg.MaxRetries, 30*24*time.Hour)
}

// buildRawStore wires the worker's raw-document archive. With no bucket
// configured, uploads are archived in-process only and lost on restart -
// acceptable since the archive is a convenience for re-ingestion, not the
// system of record for search.
func buildRawStore(ctx context.Context, cfg config.RawStoreConfig) objectstore.ObjectStore {
	if cfg.Bucket == "" {
		log.Warn().Msg("ragcored: RAW_DOC_BUCKET unset, archiving raw documents in-process only")
		return objectstore.NewMemoryStore()
	}
	s3Store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint: cfg.Endpoint, Region: cfg.Region, Bucket: cfg.Bucket, Prefix: cfg.Prefix,
		AccessKey: cfg.AccessKey, SecretKey: cfg.SecretKey, UsePathStyle: cfg.UsePathStyle,
	})
	if err != nil {
		log.Warn().Err(err).Msg("ragcored: failed to initialize s3 raw-document archive, falling back to in-process")
		return objectstore.NewMemoryStore()
	}
	return s3Store
}

func firstOf(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// enricherUnloader satisfies orchestrator.Unloadable for the LLM role slot
// when no per-device unload hook is wired; enrichment requests go over HTTP
// to externally-hosted model endpoints, so there is no local state to evict.
type enricherUnloader struct{}

func (enricherUnloader) Unload() {}

// storeChunkSource adapts the metadata store to sparseindex.ChunkSource.
// Partition.Key() joins tenant/namespace/document_type/embedding_version
// with "_"; this assumes none of those fields themselves contain "_",
// matching the assumption Partition.Key() already makes for index file names.
type storeChunkSource struct{ st store.Store }

func (s storeChunkSource) LiveChunkTexts(ctx context.Context, partitionKey string) ([]sparseindex.ChunkText, error) {
	parts := strings.SplitN(partitionKey, "_", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("ragcored: malformed partition key %q", partitionKey)
	}
	p := store.Partition{Tenant: parts[0], Namespace: parts[1], DocumentType: parts[2], EmbeddingVersion: parts[3]}
	chunks, err := s.st.LiveChunks(ctx, p)
	if err != nil {
		return nil, err
	}
	out := make([]sparseindex.ChunkText, len(chunks))
	for i, c := range chunks {
		out[i] = sparseindex.ChunkText{ChunkID: c.ChunkID, Text: c.RawText}
	}
	return out, nil
}

// Package config loads ragcore's runtime configuration from the environment,
// following the teacher's pattern of env-vars-plus-.env with a pterm-logged
// startup summary, plus an optional YAML overlay file for a few tuning knobs.
package config

import "time"

// StorageConfig selects and configures the metadata store backend.
type StorageConfig struct {
	DatabaseURL string // spec §6: default local sqlite
	IndexDir    string // spec §6: INDEX_DIR, directory for dense index files
}

// EmbeddingConfig configures the Embedder (C5).
type EmbeddingConfig struct {
	Endpoint         string
	Model            string
	EmbeddingVersion string
	Dimension        int
	BatchSize        int           // B_embed, default 32
	Timeout          time.Duration // T_embed, default 30s
}

// EnrichConfig configures the Enricher (C4) and its LLM worker pool.
type EnrichConfig struct {
	Enabled        bool
	Provider       string // "openai" or "anthropic"
	Workers        int    // W, maximum concurrent enrichment calls
	ModelEndpoints []string
	Model          string
	APIKey         string
	Timeout        time.Duration // T_enrich, default 60s
	MaxRetries     int           // default 2
	CacheDir       string        // ENRICH_CACHE_DIR; loaded but not read: ragcored caches enrichments in Redis or in memory, not on disk
	RedisURL       string        // preferred cache backend when set
}

// RerankConfig configures the Reranker (C8).
type RerankConfig struct {
	Enabled  bool
	Endpoint string
	Model    string
	Timeout  time.Duration // T_rerank, default 5s
	Batch    int           // B_rerank, default 32
}

// HybridConfig holds the fusion weights (C7) read from HYBRID_DENSE_WEIGHT,
// HYBRID_SPARSE_WEIGHT, HYBRID_RRF_K and the YAML overlay. ragcored does not
// pass them to the Retriever: searches use retrieve.Request's weights, which
// the API leaves unset, so the Retriever's own 0.7/0.3 and k=60 apply.
type HybridConfig struct {
	DenseWeight  float64 // w_d, default 0.7
	SparseWeight float64 // w_s, default 0.3
	RRFK         int     // k_rrf, default 60
}

// JobConfig configures the Job Queue / Worker (C9/C10).
type JobConfig struct {
	PollInterval  time.Duration // default 2s
	StaleAfter    time.Duration // T_stale, default 10m
	MaxRetries    int           // R_max, default 3
	IngestTimeout time.Duration // T_ingest_max, default 2h
}

// OrchestratorConfig configures the Resource Orchestrator (C11).
type OrchestratorConfig struct {
	Devices int // G, total accelerator device count visible to this process
}

// RawStoreConfig configures the raw-document archive the worker writes
// each upload to before chunking. When Bucket is empty, ragcored falls back
// to an in-process store that does not survive a restart.
type RawStoreConfig struct {
	Bucket       string
	Region       string
	Endpoint     string // non-empty for MinIO / other S3-compatible services
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Config is the fully resolved process configuration.
type Config struct {
	Host string
	Port int

	Storage      StorageConfig
	Embedding    EmbeddingConfig
	Enrich       EnrichConfig
	Rerank       RerankConfig
	Hybrid       HybridConfig
	Jobs         JobConfig
	Orchestrator OrchestratorConfig
	RawStore     RawStoreConfig

	SearchTimeout time.Duration // T_search_max, default 10s

	LogLevel string
	LogPath  string

	OTLPEndpoint string
}

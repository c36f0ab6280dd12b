// Package config defines the deep-mergeable configuration surface for
// contextcored: defaults, then an optional YAML file, then environment
// variables, in that order of increasing precedence.
package config

import "time"

// Config is the fully resolved runtime configuration.
type Config struct {
	// HTTPAddr is the listen address for the HTTP surface.
	HTTPAddr string `mapstructure:"http_addr"`
	LogLevel string `mapstructure:"log_level"`
	LogPath string `mapstructure:"log_path"`

	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Store StoreConfig `mapstructure:"store"`
	Index IndexConfig `mapstructure:"index"`
	Search SearchConfig `mapstructure:"search"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Obs ObsConfig `mapstructure:"obs"`
	Features FeatureFlags `mapstructure:"features"`
}

// EmbeddingConfig describes the embedding backend contract.
type EmbeddingConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Path string `mapstructure:"path"`
	Model string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
	APIHeader string `mapstructure:"api_header"`
	Dimension int `mapstructure:"dimension"`
	Timeout time.Duration `mapstructure:"timeout"`
	MaxConcurrency int `mapstructure:"max_concurrency"`
	IngestBatch int `mapstructure:"ingest_batch"`
	MaxInputChars int `mapstructure:"max_input_chars"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// ClassifierConfig describes the routing classifier contract.
type ClassifierConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Path string `mapstructure:"path"`
	Model string `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig controls the Chunk Store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "sqlite" or "postgres"
	Path string `mapstructure:"path"` // sqlite file path
	DSN string `mapstructure:"dsn"` // postgres DSN
}

// IndexConfig controls the Vector Index.
type IndexConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// SearchConfig controls Unified Search.
type SearchConfig struct {
	TopK int `mapstructure:"top_k"`
	Overfetch int `mapstructure:"overfetch"`
	MinScore map[string]float64 `mapstructure:"min_score"`
	CacheSize int `mapstructure:"cache_size"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	RedisAddr string `mapstructure:"redis_addr"`
	RouteTrims map[string]RouteTrim `mapstructure:"route_trims"`
}

// RouteTrim configures route-aware trimming for one route.
type RouteTrim struct {
	Sources []string `mapstructure:"sources"`
	TopK int `mapstructure:"top_k"`
	MinScore float64 `mapstructure:"min_score"`
}

// WatcherConfig controls the Ingestion Watcher.
type WatcherConfig struct {
	MemoryDir string `mapstructure:"memory_dir"`
	ChatDir string `mapstructure:"chat_dir"`
	ChatExportDir string `mapstructure:"chat_export_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	NewFileScan time.Duration `mapstructure:"new_file_scan"`
	ChunkSize int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
	SoftBoundaryGap time.Duration `mapstructure:"soft_boundary_gap"`
	MaxFailures int `mapstructure:"max_failures"`
	UseFsnotify bool `mapstructure:"use_fsnotify"`
}

// PipelineConfig controls the Context Pipeline.
type PipelineConfig struct {
	EnrichmentDeadline time.Duration `mapstructure:"enrichment_deadline"`
	SkipMinChars int `mapstructure:"skip_min_chars"`
	SkipRepeatWindow time.Duration `mapstructure:"skip_repeat_window"`
	HistoryForRouting int `mapstructure:"history_for_routing"`
	HistoryForAssembly int `mapstructure:"history_for_assembly"`
	SessionBufferSize int `mapstructure:"session_buffer_size"`
}

// ObsConfig controls OpenTelemetry export.
type ObsConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Environment string `mapstructure:"environment"`
	OTLP string `mapstructure:"otlp_endpoint"`
	PrometheusAddr string `mapstructure:"prometheus_addr"`
}

// FeatureFlags are the seven independently toggleable pipeline flags.
type FeatureFlags struct {
	ParallelExecution bool `mapstructure:"parallel_execution"`
	VectorIndex bool `mapstructure:"vector_index"`
	SkipLogic bool `mapstructure:"skip_logic"`
	EmbeddingCache bool `mapstructure:"embedding_cache"`
	RouteAwareSources bool `mapstructure:"route_aware_sources"`
	TimingStats bool `mapstructure:"timing_stats"`
	HistoryCompression bool `mapstructure:"history_compression"`
}

// RouteSet is the closed vocabulary for routing decisions.
var RouteSet = map[string]bool{
	"opus": true,
	"sonnet": true,
	"haiku": true,
	"qwen_local": true,
	"reasoning_local": true,
}

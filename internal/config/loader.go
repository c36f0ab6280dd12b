package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load resolves configuration from defaults, an optional YAML file, and
// environment variables, in that order of increasing precedence, via a
// single deep merge into one resolved Config.
//
// configPath may be empty; when empty only defaults and environment
// variables apply. Unknown keys in the file are accepted by Viper and
// simply ignored (warned about by the caller if desired), not fatal.
func Load(configPath string) (Config, error) {
	// Overload so a local .env file deterministically wins over a stale
	// shell environment in development.
	_ = godotenv.Overload()

	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix("CONTEXTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8088")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_path", "")

	v.SetDefault("embedding.base_url", "http://127.0.0.1:11434")
	v.SetDefault("embedding.path", "/api/embed")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.api_header", "")
	v.SetDefault("embedding.dimension", 1024)
	v.SetDefault("embedding.timeout", 10*time.Second)
	v.SetDefault("embedding.max_concurrency", 4)
	v.SetDefault("embedding.ingest_batch", 10)
	v.SetDefault("embedding.max_input_chars", 1500)
	v.SetDefault("embedding.requests_per_second", 20.0)

	v.SetDefault("classifier.base_url", "http://127.0.0.1:11434")
	v.SetDefault("classifier.path", "/api/generate")
	v.SetDefault("classifier.model", "qwen2.5:7b")
	v.SetDefault("classifier.timeout", 8*time.Second)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "./data/contextcore.db")
	v.SetDefault("store.dsn", "")

	v.SetDefault("index.stale_after", 60*time.Second)

	v.SetDefault("search.top_k", 10)
	v.SetDefault("search.overfetch", 3)
	v.SetDefault("search.cache_size", 500)
	v.SetDefault("search.cache_ttl", 300*time.Second)
	v.SetDefault("search.redis_addr", "")
	v.SetDefault("search.min_score", map[string]any{
		"memory": 0.3, "chat": 0.3, "chat_export": 0.3,
	})
	v.SetDefault("search.route_trims", map[string]any{
		"opus": map[string]any{"sources": []string{"memory", "chat", "chat_export"}, "top_k": 10, "min_score": 0.3},
		"sonnet": map[string]any{"sources": []string{"memory", "chat", "chat_export"}, "top_k": 8, "min_score": 0.3},
		"haiku": map[string]any{"sources": []string{"memory", "chat"}, "top_k": 5, "min_score": 0.35},
		"qwen_local": map[string]any{"sources": []string{"memory"}, "top_k": 3, "min_score": 0.45},
		"reasoning_local": map[string]any{"sources": []string{"memory", "chat"}, "top_k": 5, "min_score": 0.4},
	})

	v.SetDefault("watcher.memory_dir", "./data/memory")
	v.SetDefault("watcher.chat_dir", "./data/chat")
	v.SetDefault("watcher.chat_export_dir", "./data/chat_export")
	v.SetDefault("watcher.poll_interval", 5*time.Second)
	v.SetDefault("watcher.debounce_window", 2*time.Second)
	v.SetDefault("watcher.new_file_scan", 30*time.Second)
	v.SetDefault("watcher.chunk_size", 1500)
	v.SetDefault("watcher.chunk_overlap", 300)
	v.SetDefault("watcher.soft_boundary_gap", 30*time.Second)
	v.SetDefault("watcher.max_failures", 5)
	v.SetDefault("watcher.use_fsnotify", true)

	v.SetDefault("pipeline.enrichment_deadline", 5*time.Second)
	v.SetDefault("pipeline.skip_min_chars", 20)
	v.SetDefault("pipeline.skip_repeat_window", 5*time.Second)
	v.SetDefault("pipeline.history_for_routing", 3)
	v.SetDefault("pipeline.history_for_assembly", 6)
	v.SetDefault("pipeline.session_buffer_size", 20)

	v.SetDefault("obs.service_name", "contextcored")
	v.SetDefault("obs.service_version", "dev")
	v.SetDefault("obs.environment", "development")
	v.SetDefault("obs.otlp_endpoint", "")
	v.SetDefault("obs.prometheus_addr", ":9464")

	v.SetDefault("features.parallel_execution", true)
	v.SetDefault("features.vector_index", true)
	v.SetDefault("features.skip_logic", true)
	v.SetDefault("features.embedding_cache", true)
	v.SetDefault("features.route_aware_sources", true)
	v.SetDefault("features.timing_stats", true)
	v.SetDefault("features.history_compression", false)
}

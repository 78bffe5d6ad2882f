package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const defaultPath = "/etc/engram/engram.yaml"

// Load reads configuration from the given YAML file (optional), applies
// ENGRAM_* environment overrides, validates, and returns the result. An
// empty path falls back to /etc/engram/engram.yaml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ENGRAM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine: defaults + env vars carry a dev setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOverrides(cfg)

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.pool_size", d.Database.PoolSize)
	v.SetDefault("database.pool_max_overflow", d.Database.PoolMaxOverflow)
	v.SetDefault("database.pool_timeout", d.Database.PoolTimeout)

	v.SetDefault("vector.host", d.Vector.Host)
	v.SetDefault("vector.port", d.Vector.Port)
	v.SetDefault("vector.collection_name", d.Vector.CollectionName)
	v.SetDefault("vector.dimension", d.Vector.Dimension)
	v.SetDefault("vector.distance", d.Vector.Distance)
	v.SetDefault("vector.use_tls", d.Vector.UseTLS)

	v.SetDefault("models.request_timeout", d.Models.RequestTimeout)
	v.SetDefault("models.max_retries", d.Models.MaxRetries)
	v.SetDefault("models.retry_base_backoff", d.Models.RetryBaseBackoff)
	v.SetDefault("models.retry_max_backoff", d.Models.RetryMaxBackoff)
	v.SetDefault("models.max_concurrent", d.Models.MaxConcurrent)
	v.SetDefault("models.cache_ttl", d.Models.CacheTTL)
	v.SetDefault("models.cache_entries", d.Models.CacheEntries)

	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.rerank_top_k", d.Retrieval.RerankTopK)
	v.SetDefault("retrieval.rerank_candidates", d.Retrieval.RerankCandidates)
	v.SetDefault("retrieval.min_score", d.Retrieval.MinScore)
	v.SetDefault("retrieval.default_strategy", d.Retrieval.DefaultStrategy)
	v.SetDefault("retrieval.half_life_days", d.Retrieval.HalfLifeDays)

	v.SetDefault("injector.token_budget", d.Injector.TokenBudget)
	v.SetDefault("injector.diversity_threshold", d.Injector.DiversityThreshold)
	v.SetDefault("injector.fusion_enabled", d.Injector.FusionEnabled)

	v.SetDefault("queue.spool_dir", d.Queue.SpoolDir)
	v.SetDefault("queue.ingest_url", d.Queue.IngestURL)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.retry_base_seconds", d.Queue.RetryBaseSeconds)
	v.SetDefault("queue.scan_interval", d.Queue.ScanInterval)

	v.SetDefault("janitor.sweep_interval", d.Janitor.SweepInterval)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", d.Logging.Path)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")

	cfg.Database.URL = v.GetString("database.url")
	cfg.Database.PoolSize = v.GetInt("database.pool_size")
	cfg.Database.PoolMaxOverflow = v.GetInt("database.pool_max_overflow")
	cfg.Database.PoolTimeout = v.GetDuration("database.pool_timeout")

	cfg.Vector.Host = v.GetString("vector.host")
	cfg.Vector.Port = v.GetInt("vector.port")
	cfg.Vector.CollectionName = v.GetString("vector.collection_name")
	cfg.Vector.Dimension = v.GetInt("vector.dimension")
	cfg.Vector.Distance = v.GetString("vector.distance")
	cfg.Vector.UseTLS = v.GetBool("vector.use_tls")
	cfg.Vector.APIKey = v.GetString("vector.api_key")

	cfg.Models.Providers = map[string]ProviderConfig{}
	for name := range v.GetStringMap("models.providers") {
		cfg.Models.Providers[name] = ProviderConfig{
			APIKey:  v.GetString("models.providers." + name + ".api_key"),
			BaseURL: v.GetString("models.providers." + name + ".base_url"),
		}
	}
	cfg.Models.Tasks = map[TaskName]TaskConfig{}
	for _, task := range []TaskName{TaskEmbed, TaskRerank, TaskComplete} {
		key := "models.tasks." + string(task)
		if !v.IsSet(key) {
			continue
		}
		cfg.Models.Tasks[task] = TaskConfig{
			Primary:  v.GetString(key + ".primary"),
			Fallback: v.GetStringSlice(key + ".fallback"),
		}
	}
	cfg.Models.RequestTimeout = v.GetDuration("models.request_timeout")
	cfg.Models.MaxRetries = v.GetInt("models.max_retries")
	cfg.Models.RetryBaseBackoff = v.GetDuration("models.retry_base_backoff")
	cfg.Models.RetryMaxBackoff = v.GetDuration("models.retry_max_backoff")
	cfg.Models.MaxConcurrent = v.GetInt("models.max_concurrent")
	cfg.Models.CacheTTL = v.GetDuration("models.cache_ttl")
	cfg.Models.CacheEntries = v.GetInt("models.cache_entries")

	cfg.Retrieval.TopK = v.GetInt("retrieval.top_k")
	cfg.Retrieval.RerankTopK = v.GetInt("retrieval.rerank_top_k")
	cfg.Retrieval.RerankCandidates = v.GetInt("retrieval.rerank_candidates")
	cfg.Retrieval.MinScore = v.GetFloat64("retrieval.min_score")
	cfg.Retrieval.DefaultStrategy = v.GetString("retrieval.default_strategy")
	cfg.Retrieval.HalfLifeDays = v.GetFloat64("retrieval.half_life_days")

	cfg.Injector.TokenBudget = v.GetInt("injector.token_budget")
	cfg.Injector.DiversityThreshold = v.GetFloat64("injector.diversity_threshold")
	cfg.Injector.FusionEnabled = v.GetBool("injector.fusion_enabled")

	cfg.Queue.SpoolDir = v.GetString("queue.spool_dir")
	cfg.Queue.IngestURL = v.GetString("queue.ingest_url")
	cfg.Queue.MaxRetries = v.GetInt("queue.max_retries")
	cfg.Queue.RetryBaseSeconds = v.GetInt("queue.retry_base_seconds")
	cfg.Queue.ScanInterval = v.GetDuration("queue.scan_interval")

	cfg.Janitor.SweepInterval = v.GetDuration("janitor.sweep_interval")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.Path = v.GetString("logging.path")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	if cfg.Janitor.SweepInterval <= 0 {
		cfg.Janitor.SweepInterval = time.Hour
	}
	return cfg, nil
}

// WatchLogLevel re-reads the config file whenever it changes on disk and
// invokes onChange with the new logging.level value. Only the log level is
// applied at runtime; every other key needs a restart. A missing file
// disables the watch.
func WatchLogLevel(path string, onChange func(level string)) {
	if path == "" {
		path = defaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return
	}

	last := v.GetString("logging.level")
	v.OnConfigChange(func(fsnotify.Event) {
		level := v.GetString("logging.level")
		if level == "" || level == last {
			return
		}
		last = level
		onChange(level)
	})
	v.WatchConfig()
}

// applyEnvOverrides pulls provider API keys from their conventional
// environment variables so keys never need to live in the YAML file.
func applyEnvOverrides(cfg *Config) {
	for name, env := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	} {
		key := os.Getenv(env)
		if key == "" {
			continue
		}
		pc := cfg.Models.Providers[name]
		pc.APIKey = key
		cfg.Models.Providers[name] = pc
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		pc := cfg.Models.Providers["ollama"]
		pc.BaseURL = url
		cfg.Models.Providers["ollama"] = pc
	}
}

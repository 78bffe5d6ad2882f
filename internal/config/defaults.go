package config

import "time"

// DefaultConfig returns the built-in defaults. Values mirror the reference
// deployment: local qdrant on 6334, SQLite under /var/lib/engram, no model
// providers (the gateway starts unconfigured and the service runs degraded).
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8790

	cfg.Database.URL = "/var/lib/engram/engram.db"
	cfg.Database.PoolSize = 20
	cfg.Database.PoolMaxOverflow = 40
	cfg.Database.PoolTimeout = 30 * time.Second

	cfg.Vector.Host = "127.0.0.1"
	cfg.Vector.Port = 6334
	cfg.Vector.CollectionName = "memories_v1"
	cfg.Vector.Dimension = 4096
	cfg.Vector.Distance = "cosine"

	cfg.Models.Providers = map[string]ProviderConfig{}
	cfg.Models.Tasks = map[TaskName]TaskConfig{}
	cfg.Models.RequestTimeout = 30 * time.Second
	cfg.Models.MaxRetries = 3
	cfg.Models.RetryBaseBackoff = time.Second
	cfg.Models.RetryMaxBackoff = 10 * time.Second
	cfg.Models.MaxConcurrent = 10
	cfg.Models.CacheTTL = time.Hour
	cfg.Models.CacheEntries = 2048

	cfg.Retrieval.TopK = 20
	cfg.Retrieval.RerankTopK = 5
	cfg.Retrieval.RerankCandidates = 20
	cfg.Retrieval.MinScore = 0.3
	cfg.Retrieval.DefaultStrategy = "relevance_time"
	cfg.Retrieval.HalfLifeDays = 30

	cfg.Injector.TokenBudget = 0 // comprehensive
	cfg.Injector.DiversityThreshold = 0.7
	cfg.Injector.FusionEnabled = false

	cfg.Queue.SpoolDir = "/var/lib/engram/spool"
	cfg.Queue.IngestURL = "http://127.0.0.1:8790/conversation/store"
	cfg.Queue.MaxRetries = 5
	cfg.Queue.RetryBaseSeconds = 2
	cfg.Queue.ScanInterval = 5 * time.Second

	cfg.Janitor.SweepInterval = time.Hour

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Path = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30

	return cfg
}

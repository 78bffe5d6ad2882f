package config

// Package config provides configuration management for engramd.
//
// Configuration sources (priority order, high to low):
//   1. Environment variables (ENGRAM_* prefix)
//   2. YAML config file (default: /etc/engram/engram.yaml)
//   3. Built-in defaults
//
// The loaded Config is constructed once at process init and threaded through
// component constructors; there is no global configuration singleton.

import (
	"strings"
	"time"
)

// TaskName identifies a model-gateway task.
type TaskName string

const (
	TaskEmbed    TaskName = "embed"
	TaskRerank   TaskName = "rerank"
	TaskComplete TaskName = "complete"
)

// ProviderConfig is the auth/endpoint handle for one model provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// TaskConfig routes one task to a primary model with ordered fallbacks.
// Entries are "provider/model" references into Models.Providers.
type TaskConfig struct {
	Primary  string   `mapstructure:"primary"`
	Fallback []string `mapstructure:"fallback"`
}

// ModelRef splits a "provider/model" reference.
func ModelRef(s string) (provider, model string) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Config contains all configuration fields.
type Config struct {
	Server struct {
		Host string
		Port int
	}

	Database struct {
		// URL is the SQLite path (":memory:" for tests) or a DSN.
		URL             string
		PoolSize        int
		PoolMaxOverflow int
		PoolTimeout     time.Duration
	}

	Vector struct {
		Host           string
		Port           int
		CollectionName string
		Dimension      int
		Distance       string // only "cosine" is supported
		UseTLS         bool
		APIKey         string
	}

	Models struct {
		Providers map[string]ProviderConfig
		Tasks     map[TaskName]TaskConfig
		// RequestTimeout bounds a single provider call.
		RequestTimeout time.Duration
		// Retries per provider on 5xx/connection errors.
		MaxRetries       int
		RetryBaseBackoff time.Duration
		RetryMaxBackoff  time.Duration
		// MaxConcurrent is the per-provider in-flight cap.
		MaxConcurrent int
		// CacheTTL bounds the gateway response cache (0 disables it).
		CacheTTL     time.Duration
		CacheEntries int
	}

	Retrieval struct {
		TopK             int     // recall per branch (K1)
		RerankTopK       int     // results surviving rerank (K2)
		RerankCandidates int     // candidates sent to the reranker (M)
		MinScore         float64 // default threshold, applied after policy rerank
		DefaultStrategy  string  // relevance_time | quality_boost | type_priority
		HalfLifeDays     float64 // tau for relevance_time
	}

	Injector struct {
		TokenBudget        int // 0 = unbounded ("comprehensive")
		DiversityThreshold float64
		FusionEnabled      bool
	}

	Queue struct {
		SpoolDir         string
		IngestURL        string
		MaxRetries       int
		RetryBaseSeconds int
		ScanInterval     time.Duration
	}

	Janitor struct {
		SweepInterval time.Duration
	}

	Logging struct {
		Level      string
		Format     string // json | text
		Path       string // empty = stderr only
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
}

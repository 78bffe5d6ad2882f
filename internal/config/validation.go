package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values no component can work with.
// It returns all problems found, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	if c.Database.URL == "" {
		errs = append(errs, fmt.Errorf("database.url is required"))
	}
	if c.Database.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("database.pool_size must be positive, got %d", c.Database.PoolSize))
	}
	if c.Database.PoolMaxOverflow < c.Database.PoolSize {
		errs = append(errs, fmt.Errorf("database.pool_max_overflow %d below pool_size %d",
			c.Database.PoolMaxOverflow, c.Database.PoolSize))
	}

	if c.Vector.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension))
	}
	if c.Vector.CollectionName == "" {
		errs = append(errs, fmt.Errorf("vector.collection_name is required"))
	}
	if d := strings.ToLower(c.Vector.Distance); d != "" && d != "cosine" {
		errs = append(errs, fmt.Errorf("vector.distance %q unsupported; only cosine", c.Vector.Distance))
	}

	for task, tc := range c.Models.Tasks {
		if tc.Primary == "" {
			errs = append(errs, fmt.Errorf("models.tasks.%s.primary is required", task))
			continue
		}
		for _, ref := range append([]string{tc.Primary}, tc.Fallback...) {
			provider, model := ModelRef(ref)
			if model == "" {
				errs = append(errs, fmt.Errorf("models.tasks.%s: %q is not provider/model", task, ref))
				continue
			}
			if _, ok := c.Models.Providers[provider]; !ok {
				errs = append(errs, fmt.Errorf("models.tasks.%s references unknown provider %q", task, provider))
			}
		}
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_score %v outside [0,1]", c.Retrieval.MinScore))
	}
	if c.Retrieval.HalfLifeDays <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.half_life_days must be positive, got %v", c.Retrieval.HalfLifeDays))
	}
	switch c.Retrieval.DefaultStrategy {
	case "relevance_time", "quality_boost", "type_priority":
	default:
		errs = append(errs, fmt.Errorf("retrieval.default_strategy %q unknown", c.Retrieval.DefaultStrategy))
	}

	if c.Injector.DiversityThreshold < 0 || c.Injector.DiversityThreshold > 1 {
		errs = append(errs, fmt.Errorf("injector.diversity_threshold %v outside [0,1]", c.Injector.DiversityThreshold))
	}
	if c.Injector.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("injector.token_budget must be >= 0, got %d", c.Injector.TokenBudget))
	}

	if c.Queue.SpoolDir == "" {
		errs = append(errs, fmt.Errorf("queue.spool_dir is required"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries))
	}

	return errs
}

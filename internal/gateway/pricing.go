package gateway

import (
	"strings"

	"github.com/engramd/engramd/internal/gateway/types"
)

// Per-million-token USD prices by model name prefix. Local models and
// anything unlisted cost zero; the table only needs the hosted models the
// default task routing can reach.
var modelPrices = []struct {
	prefix     string
	inputPerM  float64
	outputPerM float64
}{
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4.1-mini", 0.40, 1.60},
	{"gpt-4.1", 2.00, 8.00},
	{"text-embedding-3-small", 0.02, 0},
	{"text-embedding-3-large", 0.13, 0},
	{"claude-3-5-haiku", 0.80, 4.00},
	{"claude-3-5-sonnet", 3.00, 15.00},
	{"claude-sonnet", 3.00, 15.00},
	{"claude-haiku", 0.80, 4.00},
	{"rerank", 0.05, 0},
}

func costOf(provider, model string, usage types.Usage) float64 {
	if provider == "ollama" {
		return 0
	}
	for _, p := range modelPrices {
		if strings.HasPrefix(model, p.prefix) {
			return float64(usage.InputTokens)/1e6*p.inputPerM +
				float64(usage.OutputTokens)/1e6*p.outputPerM
		}
	}
	return 0
}

package tokens

// Package tokens counts tokens for budgeting. It uses the cl100k_base BPE
// when the encoding data is available and falls back to a 4-bytes-per-token
// heuristic offline, so budgets stay stable without network access.

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once sync.Once
	enc  *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	once.Do(func() {
		// Error means the BPE data could not be loaded; heuristic fallback.
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return enc
}

// Count returns the token count of text.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// Truncate trims text so Count(result) <= budget. The heuristic path cuts on
// bytes; the BPE path decodes the kept prefix of tokens.
func Truncate(text string, budget int) string {
	if budget <= 0 || text == "" {
		return ""
	}
	if e := encoding(); e != nil {
		ids := e.Encode(text, nil, nil)
		if len(ids) <= budget {
			return text
		}
		return e.Decode(ids[:budget])
	}
	max := budget * 4
	if len(text) <= max {
		return text
	}
	return text[:max]
}

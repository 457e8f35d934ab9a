package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text using the cl100k_base
// encoding. When the encoding cannot be loaded (offline without the cached
// BPE files) it falls back to a bytes/2 heuristic, which overestimates for
// English and roughly matches CJK.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 1) / 2
	}
	return len(encoding.Encode(text, nil, nil))
}

// TruncateByTokens keeps whole items from the front while their cumulative
// token estimate stays within budget. Returns the kept prefix length.
func TruncateByTokens(items []string, budget int) int {
	total := 0
	for i, item := range items {
		total += EstimateTokens(item)
		if total > budget {
			return i
		}
	}
	return len(items)
}

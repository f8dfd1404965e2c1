package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens counts tokens for the given model, falling back to the
// cl100k_base encoding and finally to a 4-chars-per-token heuristic when
// the encoding tables are unavailable.
func countTokens(model, text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return
			}
		}
		encoding = enc
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// estimateUsage fills usage when the upstream response omits it.
func estimateUsage(model string, prompt []Message, answer string) Usage {
	in := 0
	for _, m := range prompt {
		in += countTokens(model, m.Content)
	}
	out := countTokens(model, answer)
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

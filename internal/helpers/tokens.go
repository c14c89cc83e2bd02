package helpers

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenBudget counts and clips text by model tokens. Every supported provider
// is approximated with the GPT-4 encoding.
type TokenBudget struct {
	codec tokenizer.Codec
}

// NewTokenBudget loads the GPT-4 codec.
func NewTokenBudget() (*TokenBudget, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer codec: %w", err)
	}
	return &TokenBudget{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a four
// characters per token estimate when the codec is unavailable.
func (b *TokenBudget) Count(text string) int {
	if b == nil || b.codec == nil {
		return len(text) / 4
	}
	n, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Clip returns text cut to at most maxTokens tokens. The second return value
// reports whether anything was removed.
func (b *TokenBudget) Clip(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	if b == nil || b.codec == nil {
		limit := maxTokens * 4
		if len(text) <= limit {
			return text, false
		}
		return Truncate(text, limit), true
	}
	ids, _, err := b.codec.Encode(text)
	if err != nil || len(ids) <= maxTokens {
		return text, false
	}
	clipped, err := b.codec.Decode(ids[:maxTokens])
	if err != nil {
		return Truncate(text, maxTokens*4), true
	}
	return clipped + Ellipsis, true
}

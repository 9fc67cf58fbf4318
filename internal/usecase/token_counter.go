package usecase

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"fnord/internal/domain"
)

// Per-message framing overhead used by chat completion APIs.
const (
	tokensPerMessage  = 3
	tokensPerToolCall = 3
	tokensPriming     = 3
)

// TokenCounter counts tokens with the BPE codec matching the configured
// model. When no codec is available it falls back to a 4-bytes-per-token
// estimate.
type TokenCounter struct {
	codec tokenizer.Codec
}

var _ domain.TokenCounter = (*TokenCounter)(nil)

// NewTokenCounter selects a codec for model.
func NewTokenCounter(model string) *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model)))
	if err != nil {
		codec, err = tokenizer.Get(encodingFor(model))
		if err != nil {
			codec = nil
		}
	}
	return &TokenCounter{codec: codec}
}

// encodingFor picks an encoding by model family. Unknown models get
// o200k_base, the encoding of every current OpenAI chat model.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"), strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}

// CountText returns the token count of text.
func (c *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.codec == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

// CountMessages returns the prompt token count of msgs including framing.
func (c *TokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += tokensPerMessage + c.CountText(m.Role) + c.CountText(m.Content)
		for _, tc := range m.ToolCalls {
			total += tokensPerToolCall + c.CountText(tc.Name) + c.CountText(string(tc.Arguments))
		}
	}
	return total + tokensPriming
}

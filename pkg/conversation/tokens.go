package conversation

import (
	"github.com/tiktoken-go/tokenizer"
)

// perTurnOverhead approximates the role and separator tokens chat templates add.
const perTurnOverhead = 4

// TokenCounter estimates the token length of a text.
type TokenCounter interface {
	Count(text string) int
}

// ApproxCounter estimates 4 characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int { return len(text) / 4 }

// TiktokenCounter counts tokens with the cl100k encoding. Local models use
// their own vocabularies, so counts are an estimate that errs on the safe side.
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a tiktoken based counter, or ApproxCounter when
// the codec cannot be loaded.
func NewTokenCounter() TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return ApproxCounter{}
	}
	return &TiktokenCounter{codec: codec}
}

func (c *TiktokenCounter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountTurn returns the estimated cost of t as model context.
func CountTurn(c TokenCounter, t Turn) int {
	return c.Count(t.Content) + perTurnOverhead
}

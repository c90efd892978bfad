package assembler

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures prompt size for the budget.
type TokenCounter interface {
	Count(text string) (int, error)
}

const defaultEncoding = "cl100k_base"

type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named BPE encoding, cl100k_base when empty.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = defaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) (int, error) {
	return len(c.enc.Encode(text, nil, nil)), nil
}

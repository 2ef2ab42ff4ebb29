package memory

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter counts tokens in memory content for token budgets.
type TokenCounter interface {
	CountTokens(text string) int
}

// TiktokenCounter counts with a tiktoken encoding. The encoding is loaded on
// first use; if it cannot be loaded (offline BPE cache) the counter falls back
// to EstimateCounter.
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	fallback EstimateCounter
	logger   *zap.Logger
}

// NewTiktokenCounter creates a counter for the given encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string, logger *zap.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenCounter{encoding: encoding, logger: logger}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, estimating tokens", zap.Error(t.initErr))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens implements TokenCounter.
func (t *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates token counts from character classes:
// roughly 1.5 CJK characters or 4 other characters per token.
type EstimateCounter struct{}

// CountTokens implements TokenCounter.
func (EstimateCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}

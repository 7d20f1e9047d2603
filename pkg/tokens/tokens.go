// Package tokens provides tiktoken-based token counting for cost estimates and content heuristics.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts and splits text into model tokens.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a counter. Every supported provider is approximated with the GPT-4 encoding.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

//nolint:gochecknoglobals // codec tables are large; load once
var (
	defaultOnce    sync.Once
	defaultCounter *Counter
)

// Default returns a shared counter. If the codec cannot load, the returned
// counter falls back to character estimates.
func Default() *Counter {
	defaultOnce.Do(func() {
		c, err := NewCounter()
		if err != nil {
			c = &Counter{}
		}
		defaultCounter = c
	})
	return defaultCounter
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c.codec == nil {
		return estimate(text)
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return estimate(text)
	}
	return n
}

// Tokens returns the normalized (trimmed, lower-cased, non-empty) token strings of text.
func (c *Counter) Tokens(text string) []string {
	if c.codec == nil {
		return strings.Fields(strings.ToLower(text))
	}
	_, toks, err := c.codec.Encode(text)
	if err != nil {
		return strings.Fields(strings.ToLower(text))
	}
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Overlap returns the fraction of distinct tokens in a that also appear in b.
// An empty a has overlap 0.
func (c *Counter) Overlap(a, b string) float64 {
	ta := distinct(c.Tokens(a))
	if len(ta) == 0 {
		return 0
	}
	tb := distinct(c.Tokens(b))
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta))
}

// Diversity returns distinct tokens / total tokens, in [0,1]. Empty text has diversity 0.
func (c *Counter) Diversity(text string) float64 {
	toks := c.Tokens(text)
	if len(toks) == 0 {
		return 0
	}
	return float64(len(distinct(toks))) / float64(len(toks))
}

func distinct(toks []string) map[string]struct{} {
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return set
}

// 4 chars ~ 1 token
func estimate(text string) int {
	return (len(text) + 3) / 4
}

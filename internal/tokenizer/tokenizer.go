// Package tokenizer estimates token counts for prompts and generated text.
// A Tokenizer is built once and shared read-only by every virtual user.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenizer counts tokens in a piece of text. Implementations must be safe
// for concurrent use.
type Tokenizer interface {
	Count(text string) int
}

const (
	// KindHeuristic splits on word and symbol boundaries
	KindHeuristic = "heuristic"
	// KindChars divides the character count by a fixed ratio
	KindChars = "chars"
	// KindHF loads a HuggingFace tokenizer.json
	KindHF = "hf"
)

// ErrNoTokenizerFile is returned when the hf kind is requested without a path
var ErrNoTokenizerFile = errors.New("tokenizer file required")

type options struct {
	path string
}

// Option configures New
type Option func(*options)

// WithFile sets the tokenizer.json path used by KindHF
func WithFile(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// New returns the tokenizer for a configured kind
func New(kind string, opts ...Option) (Tokenizer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	switch strings.ToLower(kind) {
	case "", KindHeuristic:
		return Heuristic{MaxWordRunes: 6}, nil
	case KindChars:
		return CharRatio{CharsPerToken: 4}, nil
	case KindHF:
		if o.path == "" {
			return nil, fmt.Errorf("%w: %s tokenizer needs a tokenizer.json path", ErrNoTokenizerFile, KindHF)
		}
		return LoadHF(o.path)
	}
	return nil, fmt.Errorf("unknown tokenizer %q (supported: %s, %s, %s)", kind, KindHeuristic, KindChars, KindHF)
}

// Heuristic approximates a BPE vocabulary: every punctuation or symbol rune
// is one token, and a run of letters or digits costs one token per
// MaxWordRunes runes.
type Heuristic struct {
	MaxWordRunes int
}

// Count implements Tokenizer
func (h Heuristic) Count(text string) int {
	per := h.MaxWordRunes
	if per <= 0 {
		per = 6
	}

	tokens := 0
	run := 0
	flush := func() {
		if run > 0 {
			tokens += (run + per - 1) / per
			run = 0
		}
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			run++
		case unicode.IsSpace(r):
			flush()
		default:
			flush()
			tokens++
		}
	}
	flush()
	return tokens
}

// CharRatio assumes a fixed number of characters per token
type CharRatio struct {
	CharsPerToken int
}

// Count implements Tokenizer
func (c CharRatio) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	return (n + per - 1) / per
}

package tokenizer

import (
	"fmt"
	"sync"

	hftokenizer "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// HF counts tokens with a HuggingFace tokenizer.json, the same vocabulary
// the served model uses. Counts include the special tokens the
// post-processor adds.
type HF struct {
	mu sync.Mutex
	tk *hftokenizer.Tokenizer
}

// LoadHF reads a tokenizer.json from disk
func LoadHF(path string) (*HF, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return &HF{tk: tk}, nil
}

// Count implements Tokenizer. Text that fails to encode counts as zero.
func (h *HF) Count(text string) int {
	if text == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	en, err := h.tk.EncodeSingle(text, true)
	if err != nil {
		return 0
	}
	return len(en.Ids)
}

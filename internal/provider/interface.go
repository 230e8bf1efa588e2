// Package provider implements the wire formats of the supported text
// generation servers: how a streaming completion request is shaped and how
// each line of the streamed response maps to a text fragment.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Common errors returned by providers
var (
	ErrUnknownProvider = errors.New("unknown inference provider")
	ErrNoTokens        = errors.New("stream produced no tokens")
	ErrMissingModel    = errors.New("model name required for provider")
)

// Name identifies a provider wire format
type Name string

const (
	TGI      Name = "TGI"
	Ollama   Name = "Ollama"
	Llamacpp Name = "Llamacpp"
	VLLM     Name = "vLLM"
)

// GenerateParams holds the provider-independent parts of a completion request
type GenerateParams struct {
	Model     string
	Prompt    string
	MaxTokens int
}

// Provider defines one streaming wire format
type Provider interface {
	// Name returns the provider identifier ("TGI" | "Ollama" | "Llamacpp" | "vLLM")
	Name() Name

	// BuildRequest returns the JSON body of a streaming completion request
	BuildRequest(params GenerateParams) ([]byte, error)

	// DecodeLine maps one non-empty response line to a text fragment.
	// done reports an explicit stream terminator; no further lines are read.
	DecodeLine(line []byte) (fragment string, done bool, err error)
}

// RequiresModel reports whether the provider's request body names a model
func RequiresModel(name Name) bool {
	return name == Ollama || name == VLLM
}

// Lookup returns the provider for a name. Matching is case-insensitive.
func Lookup(name string) (Provider, error) {
	switch Name(canonical(name)) {
	case TGI:
		return tgi{}, nil
	case Ollama:
		return ollama{}, nil
	case Llamacpp:
		return llamacpp{}, nil
	case VLLM:
		return vllm{}, nil
	}
	return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownProvider, name, strings.Join(Names(), ", "))
}

// Names lists the supported provider identifiers
func Names() []string {
	names := []string{string(TGI), string(Ollama), string(Llamacpp), string(VLLM)}
	sort.Strings(names)
	return names
}

func canonical(name string) string {
	for _, n := range []Name{TGI, Ollama, Llamacpp, VLLM} {
		if strings.EqualFold(string(n), strings.TrimSpace(name)) {
			return string(n)
		}
	}
	return name
}

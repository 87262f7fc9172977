// Package llm provides the text-generation clients behind the pipeline
// steps: Anthropic Messages and Gemini generateContent over plain HTTP,
// both wrapped in the same retry policy.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Providers.
const (
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// Request is one generation call.
type Request struct {
	System    string
	Prompt    string
	Search    bool // allow web search grounding where the provider supports it
	MaxTokens int
}

// Generator produces free-form text, expected to contain JSON, for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// StatusError is a non-2xx response from a model API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Body)
}

// Options configures a Generator.
type Options struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string // empty selects the provider default
	MaxPerMin int
	Retry     RetryPolicy

	HTTPClient *http.Client
}

// New creates the Generator for opts.Provider.
func New(_ context.Context, opts Options) (Generator, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s API key not set", opts.Provider)
	}
	switch strings.ToLower(opts.Provider) {
	case ProviderAnthropic:
		return NewAnthropicClient(opts), nil
	case ProviderGemini, "":
		return NewGeminiClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", opts.Provider)
	}
}

package llms

import (
	"fmt"
	"sync"

	"github.com/kiwi-run/kiwi/pkg/kconfig"
)

// LLMProvider is the call shape pkg/harness's turn loop drives: hand it
// the transcript so far plus the tool catalog, get back the model's text,
// any tool calls it wants executed, and the token cost of the call.
type LLMProvider interface {
	Generate(messages []*Message, tools []ToolDefinition) (text string, toolCalls []ToolCall, tokensUsed int, err error)

	GenerateStreaming(messages []*Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	GetModelName() string

	GetMaxTokens() int

	GetTemperature() float64

	Close() error
}

// LLMRegistry holds the live LLMProvider instances wired up for one
// kiwid process, keyed by the model tier name a directive's <model
// tier="..."> attribute resolves against (harness.Config.Providers is
// built from this registry's contents at startup).
type LLMRegistry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
}

func NewLLMRegistry() *LLMRegistry {
	return &LLMRegistry{
		providers: make(map[string]LLMProvider),
	}
}

func (r *LLMRegistry) RegisterLLM(name string, provider LLMProvider) error {
	if name == "" {
		return fmt.Errorf("LLM name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("LLM provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("LLM provider '%s' already registered", name)
	}
	r.providers[name] = provider
	return nil
}

func (r *LLMRegistry) CreateLLMFromConfig(name string, config *kconfig.LLMProviderConfig) (LLMProvider, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}
	if config == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	var provider LLMProvider
	var err error

	switch config.Type {
	case "openai":
		provider, err = NewOpenAIProviderFromConfig(config)
	case "anthropic":
		provider, err = NewAnthropicProviderFromConfig(config)
	case "gemini":
		provider, err = NewGeminiProviderFromConfig(config)
	case "ollama":
		provider, err = NewOllamaProviderFromConfig(config)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s (supported: openai, anthropic, gemini, ollama)", config.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	if err := r.RegisterLLM(name, provider); err != nil {
		return nil, fmt.Errorf("failed to register LLM: %w", err)
	}

	return provider, nil
}

func (r *LLMRegistry) GetLLM(name string) (LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

func (r *LLMRegistry) ListLLMs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for _, provider := range r.providers {
		names = append(names, provider.GetModelName())
	}
	return names
}

// Remove drops a registered provider by name, closing it first so its
// underlying HTTP client/connection isn't leaked.
func (r *LLMRegistry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, exists := r.providers[name]
	if !exists {
		return fmt.Errorf("LLM provider '%s' not found", name)
	}
	delete(r.providers, name)
	return provider.Close()
}

func (r *LLMRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

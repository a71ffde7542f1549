// Package embed defines the embedding provider contract used by vector
// store backends that must embed text themselves.
package embed

import (
	"context"
	"fmt"
)

// Provider generates dense embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts (more efficient).
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Dimension returns the embedding dimension.
	Dimension() int

	// MaxBatchSize returns the maximum number of texts per batch.
	MaxBatchSize() int
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider string `yaml:"provider"` // openai, ollama, fake
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	// Fake-specific, used by tests and offline development.
	Dimension int `yaml:"dimension"`
}

// New constructs the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(cfg)
	case "ollama":
		return NewOllama(cfg)
	case "fake":
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 64
		}
		return NewFake(dim), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

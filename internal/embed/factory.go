package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/evidx/internal/config"
)

// ProviderType names an embedding backend.
type ProviderType string

const (
	// ProviderStatic uses hash features. Offline and deterministic.
	ProviderStatic ProviderType = "static"

	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"
)

// String returns the string representation of ProviderType.
func (p ProviderType) String() string {
	return string(p)
}

// ParseProvider converts a string to ProviderType. Unknown names map to
// static so a typo never reaches the network.
func ParseProvider(s string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ollama":
		return ProviderOllama
	default:
		return ProviderStatic
	}
}

// ValidProviders returns all valid provider names.
func ValidProviders() []string {
	return []string{string(ProviderStatic), string(ProviderOllama)}
}

// NewFromConfig builds the configured embedder wrapped in a CachedEmbedder.
// It returns (nil, nil) when embeddings are disabled, which turns the
// semantic index off.
func NewFromConfig(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var inner Embedder
	switch ParseProvider(cfg.Provider) {
	case ProviderOllama:
		oc := DefaultOllamaConfig()
		if cfg.OllamaHost != "" {
			oc.Host = cfg.OllamaHost
		}
		if cfg.Model != "" {
			oc.Model = cfg.Model
		}
		if cfg.BatchSize > 0 {
			oc.BatchSize = cfg.BatchSize
		}
		if cfg.Timeout > 0 {
			oc.Timeout = cfg.Timeout
		}

		e, err := NewOllamaEmbedder(ctx, oc)
		if err != nil {
			return nil, fmt.Errorf("ollama unavailable: %w\n\nTo fix:\n  1. Start Ollama: ollama serve\n  2. Or set embeddings.provider: static\n  3. Or disable the semantic index: embeddings.enabled: false", err)
		}
		inner = e
	default:
		inner = NewStaticEmbedder()
	}

	slog.Debug("embedder_created",
		slog.String("model", inner.ModelName()),
		slog.Int("dimensions", inner.Dimensions()))

	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}

// Unwrap returns the innermost embedder behind any CachedEmbedder.
func Unwrap(e Embedder) Embedder {
	for {
		c, ok := e.(*CachedEmbedder)
		if !ok {
			return e
		}
		e = c.inner
	}
}

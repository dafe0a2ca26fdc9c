// Package resolve maps a provider-agnostic configuration to a concrete gro
// driver, so the CLI and config layer never import dialect packages
// directly.
package resolve

import (
	"fmt"
	"log/slog"

	gro "github.com/nevindra/gro"
	"github.com/nevindra/gro/provider/anthropic"
	"github.com/nevindra/gro/provider/gemini"
	"github.com/nevindra/gro/provider/openaicompat"
)

// Config holds provider-agnostic driver configuration.
type Config struct {
	Provider string // "anthropic", "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter"
	APIKey   string
	Model    string
	BaseURL  string // required for unknown openai-compat gateways; auto-filled otherwise
	Logger   *slog.Logger
}

// Driver creates a gro.Driver from a provider-agnostic Config.
func Driver(cfg Config) (gro.Driver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Provider {
	case "anthropic":
		var opts []anthropic.Option
		opts = append(opts, anthropic.WithLogger(logger))
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.APIKey, cfg.Model, opts...), nil

	case "gemini":
		var opts []gemini.Option
		opts = append(opts, gemini.WithLogger(logger))
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(cfg.APIKey, cfg.Model, opts...), nil

	case "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.New(cfg.APIKey, cfg.Model, baseURL,
			openaicompat.WithName(cfg.Provider),
			openaicompat.WithLogger(logger)), nil

	default:
		if cfg.BaseURL != "" {
			// Unknown gateway with an explicit base URL: assume the openai
			// dialect, the lingua franca of compatible servers.
			return openaicompat.New(cfg.APIKey, cfg.Model, cfg.BaseURL,
				openaicompat.WithName(cfg.Provider),
				openaicompat.WithLogger(logger)), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// OrphanPolicy returns the history-repair policy matching a provider's
// dialect: typed-block dialects strip orphan tool uses, flat dialects get
// placeholder results.
func OrphanPolicy(provider string) gro.OrphanPolicy {
	if provider == "anthropic" {
		return gro.OrphanStrip
	}
	return gro.OrphanPlaceholder
}

// BatchDriver returns the provider's batch implementation when it has one.
func BatchDriver(d gro.Driver) (gro.BatchDriver, bool) {
	b, ok := d.(gro.BatchDriver)
	return b, ok
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	default:
		return ""
	}
}

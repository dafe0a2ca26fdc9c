// Package config loads the runtime configuration: defaults, then the TOML
// file, then GRO_* environment variables (env wins).
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Provider Provider `toml:"provider"`
	Runtime  Runtime  `toml:"runtime"`
	Memory   Memory   `toml:"memory"`
	Summary  Summary  `toml:"summary"`
	Tools    Tools    `toml:"tools"`
	MCP      MCP      `toml:"mcp"`
	Observer Observer `toml:"observer"`
}

type Provider struct {
	Name    string `toml:"name"`     // anthropic, gemini, openai, groq, deepseek, ...
	Model   string `toml:"model"`    // default model; pins the session when set on the CLI
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"` // openai-compat gateways
	// Tier models used when no model is pinned; the thinking budget picks
	// one.
	ModelLow  string `toml:"model_low"`
	ModelMid  string `toml:"model_mid"`
	ModelHigh string `toml:"model_high"`
}

type Runtime struct {
	Home             string  `toml:"home"`            // state directory, default ~/.gro
	MaxTokens        int     `toml:"max_tokens"`      // completion cap per request
	Thinking         float64 `toml:"thinking"`        // initial thinking budget [0,1]
	BudgetUSD        float64 `toml:"budget_usd"`      // spend ceiling, 0 = unmetered
	MaxToolRounds    int     `toml:"max_tool_rounds"`
	MaxIdleNudges    int     `toml:"max_idle_nudges"`
	EnableCaching    bool    `toml:"enable_caching"`
	Plastic          bool    `toml:"plastic"`           // persist learned facts across sessions
	PersistentPolicy string  `toml:"persistent_policy"` // "work-first" or "listen-only"
}

type Memory struct {
	Budget         int     `toml:"budget"`           // working-memory tokens (W)
	PageSlotBudget int     `toml:"page_slot_budget"` // auto-fill tokens (P)
	HighRatio      float64 `toml:"high_ratio"`
	LowRatio       float64 `toml:"low_ratio"`
	MinRecent      int     `toml:"min_recent"`
	IndexPath      string  `toml:"index_path"` // page search index, "" = <home>/pages.db
}

type Summary struct {
	Mode  string `toml:"mode"`  // "fragment", "sync", "batch"
	Model string `toml:"model"` // summarization model, "" = main model
}

type Tools struct {
	Shell     bool   `toml:"shell"`
	File      bool   `toml:"file"`
	Web       bool   `toml:"web"`
	Workspace string `toml:"workspace"` // file/shell sandbox root
}

type MCP struct {
	// Servers maps a name to the command line of a stdio MCP server.
	Servers map[string][]string `toml:"servers"`
}

type Observer struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP HTTP endpoint
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Provider: Provider{Name: "anthropic", Model: "claude-sonnet-4-5"},
		Runtime: Runtime{
			Home:             filepath.Join(home, ".gro"),
			MaxTokens:        8192,
			MaxToolRounds:    32,
			MaxIdleNudges:    3,
			EnableCaching:    true,
			Plastic:          true,
			PersistentPolicy: "work-first",
		},
		Memory: Memory{
			Budget:         100_000,
			PageSlotBudget: 18_000,
			HighRatio:      0.7,
			LowRatio:       0.5,
			MinRecent:      2,
		},
		Summary: Summary{Mode: "fragment"},
		Tools:   Tools{Shell: true, File: true, Web: true},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). The file
// path comes from the argument, or GRO_CONFIG_FILE, or <home>/.gro/gro.toml.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = os.Getenv("GRO_CONFIG_FILE")
	}
	if path == "" {
		path = filepath.Join(cfg.Runtime.Home, "gro.toml")
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("GRO_PROVIDER"); v != "" {
		cfg.Provider.Name = v
	}
	if v := os.Getenv("GRO_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("GRO_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("GRO_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("GRO_HOME"); v != "" {
		cfg.Runtime.Home = v
	}
	if v := envFloat("GRO_THINKING"); v != nil {
		cfg.Runtime.Thinking = *v
	}
	if v := envFloat("GRO_BUDGET_USD"); v != nil {
		cfg.Runtime.BudgetUSD = *v
	}
	if v := envInt("GRO_MEMORY"); v != nil {
		cfg.Memory.Budget = *v
	}
	if v := os.Getenv("GRO_PLASTIC"); v != "" {
		cfg.Runtime.Plastic = v == "true" || v == "1"
	}
	if v := os.Getenv("GRO_SUMMARY_MODE"); v != "" {
		cfg.Summary.Mode = v
	}
	if v := os.Getenv("GRO_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	if v := os.Getenv("GRO_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}

	// Provider keys by convention when GRO_API_KEY is unset.
	if cfg.Provider.APIKey == "" {
		switch cfg.Provider.Name {
		case "anthropic":
			cfg.Provider.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			cfg.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai":
			cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	// Fallbacks
	if cfg.Summary.Model == "" {
		cfg.Summary.Model = cfg.Provider.Model
	}
	if cfg.Memory.IndexPath == "" {
		cfg.Memory.IndexPath = filepath.Join(cfg.Runtime.Home, "pages.db")
	}
	if cfg.Tools.Workspace == "" {
		cfg.Tools.Workspace, _ = os.Getwd()
	}

	return cfg
}

func envFloat(key string) *float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

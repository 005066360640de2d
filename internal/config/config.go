// Package config loads turnflow settings: defaults, then a TOML file, then
// TURNFLOW_* environment variables (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Engine    EngineConfig    `toml:"engine"`
	Context   ContextConfig   `toml:"context"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Retry     RetryConfig     `toml:"retry"`
	Observer  ObserverConfig  `toml:"observer"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Web       WebConfig       `toml:"web"`
	Store     StoreConfig     `toml:"store"`
	Tools     []ToolConfig    `toml:"tools"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	// FastModel and StrongModel serve the fast and strong context tiers.
	FastModel   string   `toml:"fast_model"`
	StrongModel string   `toml:"strong_model"`
	Temperature *float64 `toml:"temperature"`
	MaxTokens   int      `toml:"max_tokens"`
}

type EngineConfig struct {
	SystemPrompt            string  `toml:"system_prompt"`
	MaxIterations           int     `toml:"max_iterations"`
	MaxToolForcing          int     `toml:"max_tool_forcing"`
	ForcingIterationCeiling int     `toml:"forcing_iteration_ceiling"`
	RedundancyWindow        int     `toml:"redundancy_window"`
	RedundancyTolerance     int     `toml:"redundancy_tolerance"`
	MinConfidence           float64 `toml:"min_confidence"`
	ForceOnToolIntent       bool    `toml:"force_on_tool_intent"`
}

// ContextConfig mirrors the context window manager's knobs. Zero values take
// the engine defaults.
type ContextConfig struct {
	ModelLimit         int `toml:"model_limit"`
	CharsPerToken      int `toml:"chars_per_token"`
	ResponseReserve    int `toml:"response_reserve"`
	ToolOverheadTokens int `toml:"tool_overhead_tokens"`
	SummaryThreshold   int `toml:"summary_threshold"`
	SummaryTarget      int `toml:"summary_target"`
}

type RateLimitConfig struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type RetryConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	BaseDelay   time.Duration `toml:"base_delay"`
	Timeout     time.Duration `toml:"timeout"`
}

type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled"`
	ServiceName string                     `toml:"service_name"`
	Pricing     map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// WorkspaceConfig exposes a local directory through list_files, get_file and
// search_files. Empty Dir disables it.
type WorkspaceConfig struct {
	Dir string `toml:"dir"`
}

type WebConfig struct {
	// ReadURL registers the read_url extraction capability.
	ReadURL bool          `toml:"read_url"`
	Timeout time.Duration `toml:"timeout"`
}

// StoreConfig selects where capability results are cached during a run:
// "memory" (default), "sqlite" (DSN is a file path) or "postgres".
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	// Retention prunes stored results older than this at startup. Zero keeps everything.
	Retention time.Duration `toml:"retention"`
}

// ToolConfig declares a remote HTTP capability ([[tools]]).
type ToolConfig struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	URL         string `toml:"url"`
	// Method is GET (args as query parameters) or POST (args as JSON body).
	Method   string `toml:"method"`
	Category string `toml:"category"`
	// Key selects the cache key mode: "full" (default), "constant", "fields" or "query".
	Key        string            `toml:"key"`
	KeyFields  []string          `toml:"key_fields"`
	IgnoreArgs []string          `toml:"ignore_args"`
	Schema     string            `toml:"schema"`
	Headers    map[string]string `toml:"headers"`
	Timeout    time.Duration     `toml:"timeout"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Engine: EngineConfig{
			MaxIterations:           8,
			MaxToolForcing:          2,
			ForcingIterationCeiling: 5,
			RedundancyWindow:        3,
			RedundancyTolerance:     2,
			MinConfidence:           0.8,
			ForceOnToolIntent:       true,
		},
		Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Second},
		Web:   WebConfig{ReadURL: true, Timeout: 30 * time.Second},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A missing
// file is not an error; an explicitly named one is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = "turnflow.toml"
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"TURNFLOW_LLM_PROVIDER":     &cfg.LLM.Provider,
		"TURNFLOW_LLM_MODEL":        &cfg.LLM.Model,
		"TURNFLOW_LLM_API_KEY":      &cfg.LLM.APIKey,
		"TURNFLOW_LLM_BASE_URL":     &cfg.LLM.BaseURL,
		"TURNFLOW_SYSTEM_PROMPT":    &cfg.Engine.SystemPrompt,
		"TURNFLOW_OBSERVER_SERVICE": &cfg.Observer.ServiceName,
		"TURNFLOW_WORKSPACE":        &cfg.Workspace.Dir,
		"TURNFLOW_STORE_DRIVER":     &cfg.Store.Driver,
		"TURNFLOW_STORE_DSN":        &cfg.Store.DSN,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TURNFLOW_MAX_ITERATIONS": &cfg.Engine.MaxIterations,
		"TURNFLOW_MODEL_LIMIT":    &cfg.Context.ModelLimit,
		"TURNFLOW_RATELIMIT_RPM":  &cfg.RateLimit.RPM,
		"TURNFLOW_RATELIMIT_TPM":  &cfg.RateLimit.TPM,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	if v := os.Getenv("TURNFLOW_OBSERVER_ENABLED"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: TURNFLOW_OBSERVER_ENABLED: %w", err)
		}
		cfg.Observer.Enabled = on
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.Engine.MaxIterations < 1 {
		errs = append(errs, errors.New("engine.max_iterations must be at least 1"))
	}
	if c.Engine.MinConfidence < 0 || c.Engine.MinConfidence > 1 {
		errs = append(errs, errors.New("engine.min_confidence must be within [0, 1]"))
	}
	switch c.Store.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Errorf("tools[%d]: name is required", i))
		case seen[t.Name]:
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("tools[%d] %q: url is required", i, t.Name))
		}
		switch t.Key {
		case "", "full", "constant", "query":
		case "fields":
			if len(t.KeyFields) == 0 {
				errs = append(errs, fmt.Errorf("tools[%d] %q: key = \"fields\" needs key_fields", i, t.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("tools[%d] %q: unknown key mode %q", i, t.Name, t.Key))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

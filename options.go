package turnflow

import "log/slog"

const (
	defaultMaxIterations           = 8
	defaultMaxToolForcing          = 2
	defaultForcingIterationCeiling = 5
	defaultRedundancyWindow        = 3
	defaultRedundancyTolerance     = 2
)

// ModelSet names the models used per tier. Empty names fall back to Default,
// and an empty Default leaves the provider's own model in place.
type ModelSet struct {
	Default string
	Fast    string
	Strong  string
}

// For returns the model name for tier t.
func (m ModelSet) For(t ModelTier) string {
	switch {
	case t == TierStrong && m.Strong != "":
		return m.Strong
	case t == TierFast && m.Fast != "":
		return m.Fast
	default:
		return m.Default
	}
}

// EngineConfig is the engine's static configuration. Config() exposes it
// read-only, with Tools filled from the registry.
type EngineConfig struct {
	SystemPrompt string
	Tools        []ToolDefinition
	// ToolChoice is the standing forced-tool directive. The zero value is auto.
	ToolChoice ToolChoice
	// MaxIterations bounds model invocations; the run ends in synthesis after
	// MaxIterations+1 of them.
	MaxIterations int
	// MaxToolForcing caps how often the engine may coerce a tool call.
	MaxToolForcing int
	// ForcingIterationCeiling stops forcing once the iteration count exceeds it.
	ForcingIterationCeiling int
	RedundancyWindow        int
	RedundancyTolerance     int
	// MinConfidence is the synthesis validator threshold.
	MinConfidence float64
	// ForceOnToolIntent forces a tool call on the first invocation of a
	// query that plainly needs tools.
	ForceOnToolIntent bool
	// ModelLimit is the context window in tokens; zero uses Context.ModelLimit.
	ModelLimit int
	Models     ModelSet
	Context    ContextConfig
}

type engineOptions struct {
	cfg        EngineConfig
	summarizer Provider
	newStore   func() ResultStore
	logger     *slog.Logger
	tracer     Tracer
}

func defaultOptions() engineOptions {
	return engineOptions{cfg: EngineConfig{
		SystemPrompt:            DefaultSystemPrompt,
		MaxIterations:           defaultMaxIterations,
		MaxToolForcing:          defaultMaxToolForcing,
		ForcingIterationCeiling: defaultForcingIterationCeiling,
		RedundancyWindow:        defaultRedundancyWindow,
		RedundancyTolerance:     defaultRedundancyTolerance,
		MinConfidence:           DefaultMinConfidence,
		ForceOnToolIntent:       true,
	}}
}

// Option configures an Engine.
type Option func(*engineOptions)

// WithSystemPrompt sets the persona/system prompt.
func WithSystemPrompt(s string) Option {
	return func(o *engineOptions) { o.cfg.SystemPrompt = s }
}

// WithToolChoice sets a standing tool-choice directive for every invocation.
// Forced directives are still subject to the forcing circuit breakers.
func WithToolChoice(c ToolChoice) Option {
	return func(o *engineOptions) { o.cfg.ToolChoice = c }
}

// WithMaxIterations sets the iteration ceiling.
func WithMaxIterations(n int) Option {
	return func(o *engineOptions) {
		if n > 0 {
			o.cfg.MaxIterations = n
		}
	}
}

// WithToolForcing sets the forcing budget and the iteration after which
// forcing stops.
func WithToolForcing(maxForcing, iterationCeiling int) Option {
	return func(o *engineOptions) {
		o.cfg.MaxToolForcing = max(maxForcing, 0)
		if iterationCeiling > 0 {
			o.cfg.ForcingIterationCeiling = iterationCeiling
		}
	}
}

// WithToolIntentForcing toggles forcing a tool call on tool-intent queries.
func WithToolIntentForcing(enabled bool) Option {
	return func(o *engineOptions) { o.cfg.ForceOnToolIntent = enabled }
}

// WithRedundancy sets how many previous tool turns are compared and how many
// repeats trip the redundancy breaker.
func WithRedundancy(window, tolerance int) Option {
	return func(o *engineOptions) {
		if window > 0 {
			o.cfg.RedundancyWindow = window
		}
		if tolerance > 0 {
			o.cfg.RedundancyTolerance = tolerance
		}
	}
}

// WithMinConfidence sets the synthesis validator threshold.
func WithMinConfidence(c float64) Option {
	return func(o *engineOptions) { o.cfg.MinConfidence = c }
}

// WithModelLimit sets the model's context window in tokens.
func WithModelLimit(tokens int) Option {
	return func(o *engineOptions) { o.cfg.ModelLimit = tokens }
}

// WithModels sets the per-tier model names.
func WithModels(m ModelSet) Option {
	return func(o *engineOptions) { o.cfg.Models = m }
}

// WithContextConfig tunes the context window manager.
func WithContextConfig(c ContextConfig) Option {
	return func(o *engineOptions) { o.cfg.Context = c }
}

// WithSummarizer sets the provider used to summarize oversized tool results.
// Defaults to the engine's provider.
func WithSummarizer(p Provider) Option {
	return func(o *engineOptions) { o.summarizer = p }
}

// WithResultStore sets the factory for the per-run result cache.
// Defaults to NewMemoryStore.
func WithResultStore(fn func() ResultStore) Option {
	return func(o *engineOptions) { o.newStore = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithTracer sets the tracer for run, step, inference and tool spans.
func WithTracer(t Tracer) Option {
	return func(o *engineOptions) { o.tracer = t }
}

// Package app assembles a turnflow engine from config: provider decorators,
// capabilities, observability and engine options.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/turnflow"
	"github.com/nevindra/turnflow/internal/config"
	"github.com/nevindra/turnflow/observer"
	"github.com/nevindra/turnflow/provider/resolve"
	"github.com/nevindra/turnflow/store/postgres"
	"github.com/nevindra/turnflow/store/sqlite"
	"github.com/nevindra/turnflow/tools/remote"
	"github.com/nevindra/turnflow/tools/workspace"
)

// Deps holds injected dependencies. Nil fields are built from the config.
type Deps struct {
	Provider turnflow.Provider
	Logger   *slog.Logger
	// Instruments replaces observer.Init when observability is enabled.
	Instruments *observer.Instruments
}

// App is a ready-to-run engine plus the resources it holds open.
type App struct {
	runner  turnflow.Runner
	logger  *slog.Logger
	closers []func(context.Context) error
}

// New builds an App from cfg.
func New(ctx context.Context, cfg config.Config, deps Deps) (*App, error) {
	a := &App{logger: deps.Logger}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	// 1. Observability
	inst := deps.Instruments
	if inst == nil && cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, observer.Config{
			ServiceName: cfg.Observer.ServiceName,
			Pricing:     pricing(cfg.Observer.Pricing),
		})
		if err != nil {
			return nil, fmt.Errorf("app: observer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	// 2. Provider
	llm := deps.Provider
	if llm == nil {
		p, err := resolve.Provider(resolve.Config{
			Provider:    cfg.LLM.Provider,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			BaseURL:     cfg.LLM.BaseURL,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
		llm = p
	}
	if inst != nil {
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}
	llm = turnflow.WithRetry(llm,
		turnflow.RetryMaxAttempts(cfg.Retry.MaxAttempts),
		turnflow.RetryBaseDelay(cfg.Retry.BaseDelay),
		turnflow.RetryTimeout(cfg.Retry.Timeout),
		turnflow.RetryLogger(a.logger),
	)
	if cfg.RateLimit.RPM > 0 || cfg.RateLimit.TPM > 0 {
		llm = turnflow.WithRateLimit(llm, turnflow.RPM(cfg.RateLimit.RPM), turnflow.TPM(cfg.RateLimit.TPM))
	}

	// 3. Capabilities
	caps, closeCaps, err := Capabilities(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, closeCaps)
	if inst != nil {
		caps = observer.WrapCapabilities(caps, inst)
	}
	reg, err := turnflow.NewRegistry(caps...)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("app: %w", err)
	}

	// 4. Result store
	newStore, closeStore, err := ResultStore(ctx, cfg.Store, a.logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("app: %w", err)
	}
	a.closers = append(a.closers, closeStore)

	// 5. Engine
	opts := EngineOptions(cfg)
	opts = append(opts, turnflow.WithLogger(a.logger))
	if newStore != nil {
		opts = append(opts, turnflow.WithResultStore(newStore))
	}
	if inst != nil {
		opts = append(opts, turnflow.WithTracer(inst.EngineTracer()))
	}
	a.runner = turnflow.New(llm, reg, opts...)
	if inst != nil {
		a.runner = observer.WrapEngine(a.runner, inst)
	}

	a.logger.Info("engine ready", "provider", llm.Name(), "model", cfg.LLM.Model, "tools", reg.Names())
	return a, nil
}

// Runner returns the assembled engine.
func (a *App) Runner() turnflow.Runner { return a.runner }

// Ask runs one question and writes the answer to w, incrementally when
// stream is set.
func (a *App) Ask(ctx context.Context, question string, w io.Writer, stream bool) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return errors.New("empty question")
	}
	msgs := []turnflow.ChatMessage{turnflow.UserMessage(question)}

	if !stream {
		msg, err := a.runner.Invoke(ctx, msgs)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, msg.Content)
		return err
	}
	for text, err := range turnflow.StreamText(ctx, a.runner, msgs) {
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// Close releases the workspace and result store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Capabilities builds the configured capability set. The returned function
// releases the workspace, if one was opened.
func Capabilities(cfg config.Config) ([]turnflow.Capability, func(context.Context) error, error) {
	var caps []turnflow.Capability
	closeFn := func(context.Context) error { return nil }

	if cfg.Workspace.Dir != "" {
		ws, err := workspace.Open(cfg.Workspace.Dir)
		if err != nil {
			return nil, nil, err
		}
		caps = append(caps, ws.Capabilities()...)
		closeFn = func(context.Context) error { return ws.Close() }
	}
	if cfg.Web.ReadURL {
		caps = append(caps, remote.ReadURL(cfg.Web.Timeout))
	}
	for _, tc := range cfg.Tools {
		var schema json.RawMessage
		if tc.Schema != "" {
			schema = json.RawMessage(tc.Schema)
		}
		c, err := remote.New(remote.Spec{
			Name:        tc.Name,
			Description: tc.Description,
			URL:         tc.URL,
			Method:      tc.Method,
			Category:    turnflow.ParseCategory(tc.Category),
			Canonical:   Canonicalizer(tc),
			Schema:      schema,
			Headers:     tc.Headers,
			Timeout:     tc.Timeout,
		})
		if err != nil {
			_ = closeFn(context.Background())
			return nil, nil, err
		}
		caps = append(caps, c)
	}
	return caps, closeFn, nil
}

// ResultStore opens the configured durable result cache. It returns a nil
// factory for the in-memory default.
func ResultStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (func() turnflow.ResultStore, func(context.Context) error, error) {
	nop := func(context.Context) error { return nil }
	switch cfg.Driver {
	case "sqlite":
		s := sqlite.New(cfg.DSN, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		if cfg.Retention > 0 {
			if n, err := s.Prune(ctx, cfg.Retention); err != nil {
				logger.Warn("prune result store", "error", err)
			} else if n > 0 {
				logger.Info("pruned result store", "rows", n)
			}
		}
		return s.NewRun, func(context.Context) error { return s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		s := postgres.New(pool, postgres.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.Retention > 0 {
			if _, err := s.Prune(ctx, cfg.Retention); err != nil {
				logger.Warn("prune result store", "error", err)
			}
		}
		return s.NewRun, func(context.Context) error { pool.Close(); return nil }, nil
	default:
		return nil, nop, nil
	}
}

// Canonicalizer maps a tool's key mode to its cache key function.
func Canonicalizer(tc config.ToolConfig) turnflow.Canonicalizer {
	switch tc.Key {
	case "constant":
		return turnflow.ConstantKey()
	case "fields":
		return turnflow.FieldsKey(tc.KeyFields...)
	case "query":
		field := "query"
		if len(tc.KeyFields) > 0 {
			field = tc.KeyFields[0]
		}
		return turnflow.QueryKey(field)
	default:
		return turnflow.FullArgs(tc.IgnoreArgs...)
	}
}

// EngineOptions maps the engine, context and model settings to options.
func EngineOptions(cfg config.Config) []turnflow.Option {
	e := cfg.Engine
	opts := []turnflow.Option{
		turnflow.WithMaxIterations(e.MaxIterations),
		turnflow.WithToolForcing(e.MaxToolForcing, e.ForcingIterationCeiling),
		turnflow.WithToolIntentForcing(e.ForceOnToolIntent),
		turnflow.WithRedundancy(e.RedundancyWindow, e.RedundancyTolerance),
		turnflow.WithMinConfidence(e.MinConfidence),
		turnflow.WithModels(turnflow.ModelSet{
			Default: cfg.LLM.Model,
			Fast:    cfg.LLM.FastModel,
			Strong:  cfg.LLM.StrongModel,
		}),
		turnflow.WithContextConfig(turnflow.ContextConfig{
			ModelLimit:         cfg.Context.ModelLimit,
			CharsPerToken:      cfg.Context.CharsPerToken,
			ResponseReserve:    cfg.Context.ResponseReserve,
			ToolOverheadTokens: cfg.Context.ToolOverheadTokens,
			SummaryThreshold:   cfg.Context.SummaryThreshold,
			SummaryTarget:      cfg.Context.SummaryTarget,
		}),
	}
	if e.SystemPrompt != "" {
		opts = append(opts, turnflow.WithSystemPrompt(e.SystemPrompt))
	}
	if cfg.Context.ModelLimit > 0 {
		opts = append(opts, turnflow.WithModelLimit(cfg.Context.ModelLimit))
	}
	return opts
}

func pricing(in map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(in))
	for model, p := range in {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return out
}

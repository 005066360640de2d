// Command turnflow answers one question with a tool-using LLM engine.
//
//	turnflow "list the files in my workspace"
//	echo "summarize notes.md" | turnflow --stream --workspace ./docs
//
// Settings come from turnflow.toml (or --config), overridden by TURNFLOW_*
// environment variables, overridden by flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nevindra/turnflow/internal/app"
	"github.com/nevindra/turnflow/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	stream     bool
	system     string
	workspace  string
	model      string
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (options, []string, error) {
	var o options
	fs := pflag.NewFlagSet("turnflow", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to TOML config (default: ./turnflow.toml if present)")
	fs.BoolVarP(&o.stream, "stream", "s", false, "print the answer as it is generated")
	fs.StringVar(&o.system, "system", "", "system prompt override")
	fs.StringVarP(&o.workspace, "workspace", "w", "", "directory exposed through the file capabilities")
	fs.StringVarP(&o.model, "model", "m", "", "model override")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging to stderr")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: turnflow [flags] [question...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}
	return o, fs.Args(), nil
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, rest, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	// 1. Load config
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, opts)

	// 2. Logger
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	// 3. Question
	question, err := readQuestion(rest, stdin)
	if err != nil {
		return err
	}

	// 4. Assemble and run
	a, err := app.New(ctx, cfg, app.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()
	return a.Ask(ctx, question, stdout, opts.stream)
}

func applyFlags(cfg *config.Config, o options) {
	if o.system != "" {
		cfg.Engine.SystemPrompt = o.system
	}
	if o.workspace != "" {
		cfg.Workspace.Dir = o.workspace
	}
	if o.model != "" {
		cfg.LLM.Model = o.model
	}
}

// readQuestion joins the positional arguments, or reads stdin when there are none.
func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	q := strings.TrimSpace(string(data))
	if q == "" {
		return "", errors.New("no question given")
	}
	return q, nil
}

// chatbuddy runs the assistant core: the agent router, the sync scheduler
// and the marketing automation, on top of the shared cache.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chatbuddy-io/chatbuddy/internal/app"
	"github.com/chatbuddy-io/chatbuddy/internal/config"
	. "github.com/chatbuddy-io/chatbuddy/internal/logging"
)

const version = "0.1.0"

type cli struct {
	Config   string `short:"c" default:"chatbuddy.toml" help:"Path to the configuration file."`
	LogLevel string `default:"" help:"Override the configured log level (trace, debug, info, warn, error)."`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the assistant core."`
	Jobs    jobsCmd    `cmd:"" help:"List the registered jobs and exit."`
	Version versionCmd `cmd:"" help:"Print the version and exit."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("chatbuddy %s\n", version)
	return nil
}

type jobsCmd struct{}

func (jobsCmd) Run(cfg *config.Config) error {
	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Stop()

	data, err := json.MarshalIndent(a.Scheduler.Jobs(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

type serveCmd struct{}

func (serveCmd) Run(cfg *config.Config) error {
	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	L_info("signal received, shutting down", "signal", s.String())

	a.Stop()
	return nil
}

func main() {
	var args cli
	kctx := kong.Parse(&args,
		kong.Name("chatbuddy"),
		kong.Description("Multi-agent customer service assistant core."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(args.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if args.LogLevel != "" {
		cfg.Logging.Level = args.LogLevel
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Logging.Level),
		ShowCaller: cfg.Logging.ShowCaller,
	})
	L_info("chatbuddy %s starting", version)

	kctx.FatalIfErrorf(kctx.Run(cfg))
}

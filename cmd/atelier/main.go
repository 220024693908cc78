// Command atelier is the CLI for the orchestration engine.
//
// Usage:
//
//	atelier run --config workflow.yaml --goal "build X and review X"
//	atelier validate --config workflow.yaml
//	atelier checkpoints list --config workflow.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/atelierhq/atelier/observability"
)

// CLI defines the command-line interface.
type CLI struct {
	Version     VersionCmd     `cmd:"" help:"Show version information."`
	Run         RunCmd         `cmd:"" help:"Run a workflow to completion."`
	Validate    ValidateCmd    `cmd:"" help:"Validate a configuration file."`
	Schema      SchemaCmd      `cmd:"" help:"Generate JSON Schema for the config format."`
	Checkpoints CheckpointsCmd `cmd:"" help:"Inspect and restore checkpoints."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"atelier.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

func main() {
	// A local .env augments the environment; absence is not an error.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("atelier"),
		kong.Description("Role-bounded multi-agent workflow orchestration."),
		kong.UsageOnError(),
	)

	cleanup, err := observability.InitLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli); err != nil {
		kctx.FatalIfErrorf(err)
	}
}

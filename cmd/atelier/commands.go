package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/atelierhq/atelier"
	"github.com/atelierhq/atelier/config"
	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/llms"
	"github.com/atelierhq/atelier/statestore"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(atelier.VersionString())
	return nil
}

// RunCmd runs a workflow to completion via wfauto and exits with the
// engine's exit code.
type RunCmd struct {
	Goal     string `short:"g" help:"Goal text driving decomposition and agent intents."`
	StateDir string `name:"state-dir" help:"State store directory." default:".atelier/state" type:"path"`
	Storage  string `help:"State store backend: file or sqlite." enum:"file,sqlite" default:"file"`

	Provider string `help:"LLM provider (anthropic). Empty disables LLM-backed invokers."`
	Model    string `help:"Model name for the LLM provider."`
	APIKey   string `name:"api-key" env:"ANTHROPIC_API_KEY" help:"API key for the LLM provider."`
}

func (c *RunCmd) Run(cli *CLI, ctx context.Context) error {
	engine, sink, err := buildEngine(cli, c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(atelier.ExitCode(err))
	}
	defer engine.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sink.Events() {
			fmt.Printf("%s  %-20s %v\n",
				event.Timestamp.Format(time.TimeOnly), event.Type, event.Payload)
		}
	}()

	code := engine.Run(ctx, c.Goal)
	sink.Close()
	<-done
	os.Exit(code)
	return nil
}

func buildEngine(cli *CLI, c *RunCmd) (*atelier.Engine, *events.ChannelSink, error) {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return nil, nil, err
	}

	var store statestore.Store
	switch c.Storage {
	case "sqlite":
		store, err = statestore.NewSQLiteStore(c.StateDir + "/atelier.db")
	default:
		store, err = statestore.NewFileStore(c.StateDir)
	}
	if err != nil {
		return nil, nil, err
	}

	opts := atelier.Options{Store: store}
	if c.Provider != "" {
		if c.Provider != "anthropic" {
			return nil, nil, fmt.Errorf("unknown LLM provider %q", c.Provider)
		}
		provider, err := llms.NewAnthropicProvider(llms.AnthropicConfig{
			APIKey: c.APIKey,
			Model:  c.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		opts.LLM = provider
	}

	sink := events.NewChannelSink(256)
	opts.Sink = sink

	engine, err := atelier.New(cfg.ToCollection(), opts)
	if err != nil {
		return nil, nil, err
	}
	return engine, sink, nil
}

// ValidateCmd loads the config and builds the registry; any inconsistency
// fails with the config-error exit code.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(atelier.ExitConfigError)
	}

	if _, err := atelier.New(cfg.ToCollection(), atelier.Options{}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(atelier.ExitConfigError)
	}

	fmt.Printf("%s: ok (%d skills, %d roles, %d stages)\n",
		cli.Config, len(cfg.Skills), len(cfg.Roles), len(cfg.Workflow.Stages))
	return nil
}

// CheckpointsCmd groups checkpoint operations.
type CheckpointsCmd struct {
	List    CheckpointsListCmd    `cmd:"" help:"List stored checkpoints."`
	Restore CheckpointsRestoreCmd `cmd:"" help:"Restore a checkpoint into the live state."`
	Delete  CheckpointsDeleteCmd  `cmd:"" help:"Delete a checkpoint."`

	StateDir string `name:"state-dir" help:"State store directory." default:".atelier/state" type:"path"`
}

type CheckpointsListCmd struct{}

func (c *CheckpointsListCmd) Run(cli *CLI, parent *CheckpointsCmd) error {
	manager, err := openCheckpoints(cli, parent)
	if err != nil {
		return err
	}

	ids, err := manager.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		state, err := manager.Restore(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  completed=%v current=%s\n", id, state.CompletedStages, state.CurrentStageID)
	}
	return nil
}

type CheckpointsRestoreCmd struct {
	ID string `arg:"" help:"Checkpoint id to restore."`
}

func (c *CheckpointsRestoreCmd) Run(cli *CLI, parent *CheckpointsCmd) error {
	manager, err := openCheckpoints(cli, parent)
	if err != nil {
		return err
	}

	state, err := manager.Restore(c.ID)
	if err != nil {
		return err
	}
	if err := manager.SaveState(state); err != nil {
		return err
	}
	fmt.Printf("restored %s: completed=%v\n", c.ID, state.CompletedStages)
	return nil
}

type CheckpointsDeleteCmd struct {
	ID string `arg:"" help:"Checkpoint id to delete."`
}

func (c *CheckpointsDeleteCmd) Run(cli *CLI, parent *CheckpointsCmd) error {
	manager, err := openCheckpoints(cli, parent)
	if err != nil {
		return err
	}
	return manager.Delete(c.ID)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	atelierconfig "github.com/atelierhq/atelier/config"
	"github.com/atelierhq/atelier/checkpoint"
	"github.com/atelierhq/atelier/statestore"
)

// SchemaCmd generates JSON Schema for the config format, for editor
// completion and external validators. Output goes to stdout.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&atelierconfig.Config{})
	schema.Title = "Atelier Configuration Schema"
	schema.Description = "Workflow, role, and skill configuration for the atelier engine"

	var out []byte
	var err error
	if c.Compact {
		out, err = json.Marshal(schema)
	} else {
		out, err = json.MarshalIndent(schema, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// openCheckpoints builds a checkpoint manager for the configured workflow.
func openCheckpoints(cli *CLI, parent *CheckpointsCmd) (*checkpoint.Manager, error) {
	cfg, err := atelierconfig.LoadConfig(cli.Config)
	if err != nil {
		return nil, err
	}

	store, err := statestore.NewFileStore(parent.StateDir)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(store, cfg.Workflow.ID)
}

// Package atelier assembles the orchestration engine: registry, tracker,
// selector, invokers, bus, decomposer, workflow executor, and checkpoint
// manager, threaded through constructors so multiple engines can coexist
// in one process.
package atelier

import (
	"context"
	"errors"

	"github.com/atelierhq/atelier/bus"
	"github.com/atelierhq/atelier/checkpoint"
	"github.com/atelierhq/atelier/decomposer"
	"github.com/atelierhq/atelier/events"
	"github.com/atelierhq/atelier/gate"
	"github.com/atelierhq/atelier/invoker"
	"github.com/atelierhq/atelier/llms"
	"github.com/atelierhq/atelier/observability"
	"github.com/atelierhq/atelier/orchestrator"
	"github.com/atelierhq/atelier/registry"
	"github.com/atelierhq/atelier/selector"
	"github.com/atelierhq/atelier/statestore"
	"github.com/atelierhq/atelier/tracker"
	"github.com/atelierhq/atelier/workflow"
)

// ============================================================================
// EXIT CODES
// ============================================================================

// Exit codes from a workflow run, consumed by the CLI.
const (
	ExitSuccess     = 0
	ExitBlocked     = 1
	ExitTaskFailure = 2
	ExitConfigError = 3
	ExitCancelled   = 4
	ExitInternal    = 5
)

// ============================================================================
// ENGINE
// ============================================================================

// Options configures an engine. Every backend is optional: without an LLM
// provider or MCP client the placeholder invoker keeps the engine
// operational.
type Options struct {
	LLM            llms.Provider
	LLMOptions     llms.Options
	MCP            invoker.MCPClient
	Sink           events.Sink
	Store          statestore.Store
	Metrics        *observability.Metrics
	Predicates     map[string]gate.Predicate
	ProjectContext map[string]any
	JournalPath    string
	MaxConcurrency int
}

// Engine is one workflow execution environment.
type Engine struct {
	reg      *registry.Registry
	tracker  *tracker.Tracker
	bus      *bus.Bus
	gates    *gate.Evaluator
	orch     *orchestrator.Orchestrator
	executor *workflow.Executor
	cp       *checkpoint.Manager
	sink     events.Sink
}

// New validates the collection and wires the engine.
func New(col registry.Collection, opts Options) (*Engine, error) {
	gates := gate.NewEvaluator()
	for id, fn := range opts.Predicates {
		if err := gates.RegisterPredicate(id, fn); err != nil {
			return nil, err
		}
	}
	// Registered predicates are what the registry validates gate
	// references against.
	col.Predicates = append(col.Predicates, gates.PredicateIDs()...)

	reg, err := registry.New(col)
	if err != nil {
		return nil, err
	}

	sink := events.FromEnv(opts.Sink)

	var b *bus.Bus
	if opts.JournalPath != "" {
		b, err = bus.NewDurable(opts.JournalPath)
		if err != nil {
			return nil, err
		}
	} else {
		b = bus.New()
	}

	tr := tracker.New()
	sel := selector.New(reg, tr)

	// Composite dispatch order: MCP for skills that name a server, LLM
	// for cognitive and hybrid skills, placeholder as the fallback of last
	// resort.
	var stack []invoker.Invoker
	if opts.MCP != nil {
		stack = append(stack, invoker.NewMCP(opts.MCP))
	}
	if opts.LLM != nil {
		stack = append(stack, invoker.NewLLM(opts.LLM, sink, opts.LLMOptions))
	}
	stack = append(stack, invoker.NewPlaceholder())
	dispatch := invoker.NewComposite(stack...)

	var strategies []decomposer.Strategy
	if opts.LLM != nil {
		strategies = append(strategies, decomposer.NewLLMStrategy(opts.LLM, opts.LLMOptions))
	}
	dec := decomposer.New(reg, reg.Workflow().DefaultRole, strategies...)

	orch, err := orchestrator.New(orchestrator.Options{
		Registry:       reg,
		Tracker:        tr,
		Selector:       sel,
		Invoker:        dispatch,
		Bus:            b,
		Decomposer:     dec,
		Sink:           sink,
		Metrics:        opts.Metrics,
		WorkflowID:     reg.Workflow().ID,
		ProjectContext: opts.ProjectContext,
		MaxConcurrency: opts.MaxConcurrency,
	})
	if err != nil {
		return nil, err
	}

	var cp *checkpoint.Manager
	if opts.Store != nil {
		cp, err = checkpoint.NewManager(opts.Store, reg.Workflow().ID)
		if err != nil {
			return nil, err
		}
	}

	execCfg := workflow.Config{
		Registry:     reg,
		Orchestrator: orch,
		Gates:        gates,
		Bus:          b,
		Tracker:      tr,
		Sink:         sink,
		Metrics:      opts.Metrics,
	}
	if cp != nil {
		execCfg.Checkpointer = cp
	}
	executor, err := workflow.NewExecutor(execCfg)
	if err != nil {
		return nil, err
	}

	return &Engine{
		reg:      reg,
		tracker:  tr,
		bus:      b,
		gates:    gates,
		orch:     orch,
		executor: executor,
		cp:       cp,
		sink:     sink,
	}, nil
}

// ============================================================================
// ACCESSORS
// ============================================================================

func (e *Engine) Registry() *registry.Registry        { return e.reg }
func (e *Engine) Tracker() *tracker.Tracker           { return e.tracker }
func (e *Engine) Bus() *bus.Bus                       { return e.bus }
func (e *Engine) Executor() *workflow.Executor        { return e.executor }
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Checkpoints returns the checkpoint manager, nil without a state store.
func (e *Engine) Checkpoints() *checkpoint.Manager { return e.cp }

// Close releases the bus journal.
func (e *Engine) Close() error {
	return e.bus.Close()
}

// ============================================================================
// RUNNING
// ============================================================================

// Run drives the whole workflow via wfauto and maps the outcome to an
// exit code.
func (e *Engine) Run(ctx context.Context, goal string) int {
	return ExitCode(e.executor.WFAuto(ctx, goal))
}

// Collaborate decomposes the goal into tasks and runs them with
// cooperating agents, outside the stage state machine.
func (e *Engine) Collaborate(ctx context.Context, goal string) (*decomposer.Decomposition, error) {
	return e.orch.ExecuteWithCollaboration(ctx, goal)
}

// ExitCode maps engine errors onto the observable exit-code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var gateErr *workflow.GateFailureError
	if errors.As(err, &gateErr) {
		return ExitBlocked
	}
	var cancelled *orchestrator.CancelledError
	if errors.As(err, &cancelled) {
		return ExitCancelled
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ExitCancelled
	}
	var cfgErr *registry.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	var invErr *orchestrator.InvocationError
	if errors.As(err, &invErr) {
		return ExitTaskFailure
	}
	var skillErr *invoker.Error
	if errors.As(err, &skillErr) {
		return ExitTaskFailure
	}
	var transition *workflow.TransitionError
	if errors.As(err, &transition) {
		return ExitInternal
	}
	return ExitInternal
}

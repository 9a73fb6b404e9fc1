// Command mbflowdemo wires up an Engine with the builtin node types,
// loads a workflow definition from disk, executes it against a JSON
// initial input, and prints each lifecycle event until the execution
// reaches a terminal status.
//
// Grounded on the teacher's cmd/server/main.go wiring order (load
// config, build logger, build store, init schema, build executor,
// install signal handling, graceful shutdown), trimmed down from an
// HTTP server to a single run-to-completion CLI since spec.md's scope
// is the engine, not a transport layer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mbflow/engine/internal/config"
	"github.com/mbflow/engine/internal/domain"
	"github.com/mbflow/engine/internal/logging"
	"github.com/mbflow/engine/internal/mbflow"
	"github.com/mbflow/engine/internal/node/builtin"
	"github.com/mbflow/engine/internal/queue"
	"github.com/mbflow/engine/internal/registry"
	"github.com/mbflow/engine/internal/scheduler"
	"github.com/mbflow/engine/internal/store"
	"github.com/mbflow/engine/internal/workflowfile"
)

func main() {
	workflowPath := flag.String("workflow", "", "path to a workflow definition (.yaml or .json)")
	inputJSON := flag.String("input", "{}", "JSON initial input for the execution")
	flag.Parse()

	if *workflowPath == "" {
		os.Stderr.WriteString("usage: mbflowdemo -workflow <path> [-input '<json>']\n")
		os.Exit(2)
	}

	cfg := config.Load()
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineStore, jobStore, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	engine, err := mbflow.New(ctx,
		mbflow.WithStore(engineStore),
		mbflow.WithJobStore(jobStore),
		mbflow.WithLogger(log),
		mbflow.WithQueueConfig(queue.Config{
			MaxConcurrency:   cfg.MaxConcurrency,
			BaseDelay:        msDuration(cfg.RetryBaseDelayMS),
			MaxDelay:         msDuration(cfg.RetryMaxDelayMS),
			BacklogThreshold: cfg.QueueBacklogMax,
		}),
		mbflow.WithSchedulerConfig(scheduler.Config{
			DefaultRetryAttempts: cfg.DefaultRetryAttempts,
			RetryBaseDelayMS:     cfg.RetryBaseDelayMS,
			NodeDefaultTimeoutMS: cfg.NodeDefaultTimeoutMS,
		}),
		mbflow.WithShutdownGrace(cfg.ShutdownGrace()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	registerBuiltinNodes(engine)

	wf, err := workflowfile.Load(*workflowPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *workflowPath).Msg("failed to load workflow file")
	}
	if _, err := engine.CreateWorkflow(ctx, wf.ID, wf.Name, wf.Nodes, wf.Edges); err != nil {
		log.Fatal().Err(err).Msg("failed to register workflow")
	}

	var initialInput any
	if err := json.Unmarshal([]byte(*inputJSON), &initialInput); err != nil {
		log.Fatal().Err(err).Msg("failed to parse -input as JSON")
	}

	handle, events := engine.Subscribe("", wf.ID)
	defer engine.Unsubscribe(handle)

	exec, err := engine.ExecuteWorkflow(ctx, wf.ID, initialInput)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start execution")
	}
	log.Info().Str("execution_id", exec.ID).Msg("execution started")

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			log.Info().Str("type", string(evt.Type)).Str("node_id", evt.NodeID).Msg("event")
			switch evt.Type {
			case domain.EventWorkflowCompleted, domain.EventWorkflowFailed, domain.EventWorkflowCancelled:
				if final, err := engine.GetExecution(ctx, exec.ID); err == nil {
					printResult(log, final)
				}
				shutdown(context.Background(), engine, log)
				return
			}
		case <-ctx.Done():
			log.Warn().Msg("interrupted, cancelling execution")
			_ = engine.CancelExecution(context.Background(), exec.ID)
			shutdown(context.Background(), engine, log)
			return
		}
	}
}

// buildStores picks MemoryStore/MemoryJobStore unless a database DSN
// is configured, in which case it builds the Postgres-backed BunStore
// pair and initializes their schemas — matching the teacher's
// cmd/server/main.go store.InitSchema(ctx) call.
func buildStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, queue.JobStore, error) {
	if cfg.DatabaseDSN == "" {
		return store.NewMemoryStore(), queue.NewMemoryJobStore(), nil
	}

	bunStore, err := store.NewBunStore(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := bunStore.InitSchema(ctx); err != nil {
		return nil, nil, err
	}
	jobStore := queue.NewBunJobStore(bunStore.DB())
	if err := jobStore.InitSchema(ctx); err != nil {
		return nil, nil, err
	}
	log.Info().Msg("using BunStore (PostgreSQL)")
	return bunStore, jobStore, nil
}

func registerBuiltinNodes(engine *mbflow.Engine) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(engine.RegisterNode("http-request", builtin.NewHTTPFactory(), registry.Metadata{InputCount: 1, OutputCount: 1}))
	must(engine.RegisterNode("conditional-router", builtin.NewConditionalFactory(), registry.Metadata{InputCount: 1, OutputCount: 1}))
	must(engine.RegisterNode("llm-completion", builtin.NewLLMFactory(), registry.Metadata{InputCount: 1, OutputCount: 1}))
	must(engine.RegisterNode("passthrough", builtin.NewPassthroughFactory(), registry.Metadata{InputCount: -1, OutputCount: 1}))
}

func printResult(log zerolog.Logger, exec *domain.Execution) {
	evt := log.Info().Str("execution_id", exec.ID).Str("status", string(exec.Status))
	if exec.FatalError != "" {
		evt = evt.Str("fatal_error", exec.FatalError)
	}
	evt.Interface("node_results", exec.NodeResults).Interface("node_errors", exec.NodeErrors).Msg("execution finished")
}

func shutdown(ctx context.Context, engine *mbflow.Engine, log zerolog.Logger) {
	if err := engine.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/okapi-labs/nerve/internal/agent"
	"github.com/okapi-labs/nerve/internal/bus"
	"github.com/okapi-labs/nerve/internal/config"
	"github.com/okapi-labs/nerve/internal/coordinator"
	"github.com/okapi-labs/nerve/internal/lifecycle"
	"github.com/okapi-labs/nerve/internal/llm"
	"github.com/okapi-labs/nerve/internal/orchestrator"
	"github.com/okapi-labs/nerve/internal/policy"
	"github.com/okapi-labs/nerve/internal/store"
	"github.com/okapi-labs/nerve/internal/tool"
	"github.com/okapi-labs/nerve/internal/tui"
	"github.com/okapi-labs/nerve/pkg/models"
)

var (
	runMonitor bool
	runDBPath  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordination runtime",
	Long: `Start the full runtime: task store, message bus, orchestrators,
coordinator, and the housekeeping agent, managed as lifecycle stages
with dependency-ordered startup and reverse-order shutdown.

With --monitor, a terminal dashboard shows the live event feed and
recent tasks, with an input line for submitting requests.`,
	RunE: runRuntime,
}

func init() {
	runCmd.Flags().BoolVar(&runMonitor, "monitor", false, "Show the terminal monitor")
	runCmd.Flags().StringVar(&runDBPath, "db", "", "Path to the task database")
}

func runRuntime(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := runDBPath
	if dbPath == "" {
		dbPath = store.ProjectDBPath(cwd)
	}

	if os.Getenv("NERVE_DEBUG") != "" {
		dl := orchestrator.NewDebugLoggerForProject(cwd)
		orchestrator.SetDebugLogger(dl)
		defer dl.Close()
	}

	manager := lifecycle.NewManager(cfg.Lifecycle.StageTimeout)

	// Wired during stage startup.
	var (
		db     *store.DB
		b      bus.Bus
		orchs  []*orchestrator.Orchestrator
		coord  *coordinator.Coordinator
		signal *coordinator.SignalManager
	)

	engine := policy.NewEngine(policy.Config{
		MinTimeout:    cfg.Policy.MinTimeout,
		MaxTimeout:    cfg.Policy.MaxTimeout,
		BackoffFactor: cfg.Policy.BackoffFactor,
		BackoffCap:    cfg.Policy.BackoffCap,
	})

	tools := tool.NewRegistry()
	if err := tool.RegisterBuiltins(tools); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	if cfg.Tools.ManifestPath != "" {
		if err := tools.LoadManifest(cfg.Tools.ManifestPath); err != nil {
			return fmt.Errorf("load tool manifest: %w", err)
		}
	}

	manager.Register(&lifecycle.Stage{
		Name:     "store",
		Critical: true,
		Start: func(ctx context.Context) error {
			var err error
			db, err = store.Open(dbPath)
			if err != nil {
				return err
			}
			return db.Migrate()
		},
		Stop: func(ctx context.Context) error {
			return db.Close()
		},
	})

	manager.Register(&lifecycle.Stage{
		Name:         "bus",
		Dependencies: []string{"store"},
		Critical:     true,
		Start: func(ctx context.Context) error {
			busCfg := bus.Config{
				Workers:       cfg.Bus.Workers,
				QueueSize:     cfg.Bus.QueueSize,
				Policy:        bus.DropPolicy(cfg.Bus.DropPolicy),
				ShutdownGrace: cfg.Bus.ShutdownGrace,
			}
			if cfg.Bus.Durable {
				b = bus.NewDurableBus(busCfg, db, cfg.Bus.PollInterval)
			} else {
				b = bus.NewMemoryBus(busCfg)
			}
			return b.Start()
		},
		Stop: func(ctx context.Context) error {
			return b.Stop()
		},
	})

	manager.Register(&lifecycle.Stage{
		Name:         "orchestrators",
		Dependencies: []string{"bus"},
		Critical:     true,
		Start: func(ctx context.Context) error {
			var decomposer orchestrator.Decomposer
			if cfg.Anthropic.APIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
				decomposer = llm.NewAnthropicDecomposer(llm.Config{
					APIKey:         cfg.Anthropic.APIKey,
					Model:          cfg.Anthropic.Model,
					AvailableTools: tools.ListTools(""),
				})
			} else {
				log.Printf("[nerve] no API key configured, tasks decompose trivially")
			}
			for i := 0; i < cfg.Coordinator.Orchestrators; i++ {
				orchs = append(orchs, orchestrator.New(orchestrator.Config{
					ID:         fmt.Sprintf("orch-%d", i+1),
					Bus:        b,
					Store:      db,
					Tools:      tools,
					Policy:     engine,
					Decomposer: decomposer,
				}))
			}
			return nil
		},
		Stop: func(ctx context.Context) error {
			for _, o := range orchs {
				if err := o.Stop(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	manager.Register(&lifecycle.Stage{
		Name:         "coordinator",
		Dependencies: []string{"orchestrators"},
		Critical:     true,
		Start: func(ctx context.Context) error {
			var err error
			signal, err = coordinator.NewSignalManager(cwd)
			if err != nil {
				return err
			}
			targets := make([]coordinator.Orchestrator, len(orchs))
			for i, o := range orchs {
				targets[i] = o
			}
			coord = coordinator.New(coordinator.Config{
				Bus:                  b,
				Store:                db,
				Orchestrators:        targets,
				TickInterval:         cfg.Coordinator.TickInterval,
				DegradedEnterPercent: cfg.Coordinator.DegradedEnterPercent,
				DegradedExitPercent:  cfg.Coordinator.DegradedExitPercent,
				MaxRetries:           cfg.Coordinator.MaxRetries,
				DispatchBatch:        cfg.Coordinator.DispatchBatch,
				Policy:               engine,
				Signals:              signal,
			})
			return coord.Start(ctx)
		},
		Stop: func(ctx context.Context) error {
			err := coord.Stop(ctx)
			signal.Close()
			return err
		},
	})

	var keeper *agent.Agent
	manager.Register(&lifecycle.Stage{
		Name:         "housekeeper",
		Dependencies: []string{"coordinator"},
		Start: func(ctx context.Context) error {
			keeper = newHousekeeper(cfg, db, b)
			go keeper.Run(context.Background())
			return nil
		},
		Stop: func(ctx context.Context) error {
			keeper.Stop()
			return nil
		},
	})

	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := manager.Start(startCtx); err != nil {
		return err
	}

	manager.HandleSignals()
	log.Printf("[nerve] runtime started, db=%s", dbPath)

	if runMonitor {
		monitorCtx, monitorCancel := context.WithCancel(context.Background())
		go func() {
			manager.WaitForShutdown(monitorCtx)
			monitorCancel()
		}()
		if err := tui.Run(monitorCtx, tui.Config{
			Bus:    b,
			Store:  db,
			Submit: coord.Submit,
		}); err != nil {
			log.Printf("[nerve] monitor exited: %v", err)
		}
		manager.Shutdown()
	}

	manager.WaitForShutdown(context.Background())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return manager.Stop(stopCtx)
}

// newHousekeeper builds the background agent that keeps the durable
// event table from growing without bound. It senses the unprocessed
// backlog, plans a purge when processed rows pile up, and records its
// iterations through the standard reflect path.
func newHousekeeper(cfg *config.Config, db *store.DB, b bus.Bus) *agent.Agent {
	perceiver := agent.PerceiverFunc(func(ctx context.Context) ([]*models.Perception, error) {
		events, err := db.ListUnprocessedEvents(1)
		if err != nil {
			return nil, err
		}
		backlog := "empty"
		if len(events) > 0 {
			backlog = "pending"
		}
		return []*models.Perception{{
			ID:        "backlog",
			Source:    "store",
			Kind:      "event_backlog",
			Content:   backlog,
			Timestamp: time.Now(),
		}}, nil
	})

	decider := agent.DeciderFunc(func(ctx context.Context, ps []*models.Perception) ([]*models.Action, error) {
		return []*models.Action{{
			ID:           "purge",
			Type:         "purge_processed_events",
			PerceptionID: "backlog",
		}}, nil
	})

	executor := agent.ExecutorFunc(func(ctx context.Context, action *models.Action) (*models.ActionResult, error) {
		n, err := db.PurgeProcessedEvents(1000)
		if err != nil {
			return nil, err
		}
		return &models.ActionResult{
			Success:  true,
			Response: fmt.Sprintf("purged %d processed events", n),
		}, nil
	})

	return agent.New(agent.Config{
		ID:                    "housekeeper",
		Perceiver:             perceiver,
		Decider:               decider,
		Executor:              executor,
		Bus:                   b,
		Strategy:              agent.Strategy(cfg.Agent.Strategy),
		WaveInterval:          cfg.Agent.WaveInterval,
		ErrorWarningThreshold: cfg.Agent.ErrorWarningThreshold,
	})
}

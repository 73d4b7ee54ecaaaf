package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/signflow/internal/engine"
	"github.com/rendis/signflow/internal/events"
	"github.com/rendis/signflow/internal/expressions"
	"github.com/rendis/signflow/internal/logging"
	"github.com/rendis/signflow/internal/panel"
	"github.com/rendis/signflow/internal/scheduler"
	"github.com/rendis/signflow/internal/secrets"
	"github.com/rendis/signflow/internal/store"
	"github.com/rendis/signflow/internal/streaming"
	"github.com/rendis/signflow/internal/validation"
	"github.com/rendis/signflow/pkg/mcp"
	"github.com/rendis/signflow/pkg/schema"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(cfg *Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine and serve the MCP tools over stdio",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "pool-size", Usage: "Concurrent execution loops", Value: cfg.PoolSize, Sources: cli.EnvVars("SIGNFLOW_POOL_SIZE")},
			&cli.IntFlag{Name: "queue-size", Usage: "Pending execution loops", Value: cfg.QueueSize, Sources: cli.EnvVars("SIGNFLOW_QUEUE_SIZE")},
			&cli.IntFlag{Name: "max-steps", Usage: "Step budget per execution", Value: cfg.MaxSteps, Sources: cli.EnvVars("SIGNFLOW_MAX_STEPS")},
			&cli.StringFlag{Name: "sweep-schedule", Usage: "Cron schedule of the deadline sweeper", Value: cfg.SweepSchedule, Sources: cli.EnvVars("SIGNFLOW_SWEEP_SCHEDULE")},
			&cli.StringFlag{Name: "bus", Usage: "Event bus (none, memory, kafka)", Value: cfg.Bus, Sources: cli.EnvVars("SIGNFLOW_BUS")},
			&cli.StringFlag{Name: "bus-topic", Usage: "Topic lifecycle events are published on", Value: cfg.BusTopic, Sources: cli.EnvVars("SIGNFLOW_BUS_TOPIC")},
			&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "Kafka brokers for --bus kafka", Value: cfg.KafkaBrokers, Sources: cli.EnvVars("SIGNFLOW_KAFKA_BROKERS")},
			&cli.StringFlag{Name: "vault-key", Usage: "Passphrase sealing webhook secrets (memory only)", Sources: cli.EnvVars("SIGNFLOW_VAULT_KEY")},
			&cli.StringFlag{Name: "http-addr", Usage: "Address of the HTTP status panel, e.g. :8080 (empty disables)", Value: cfg.HTTPAddr, Sources: cli.EnvVars("SIGNFLOW_HTTP_ADDR")},
			&cli.IntFlag{Name: "breaker-threshold", Usage: "Send failures per recipient domain before failing fast (0 disables)", Value: cfg.BreakerThreshold, Sources: cli.EnvVars("SIGNFLOW_BREAKER_THRESHOLD")},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			applyGlobal(cfg, c)
			cfg.PoolSize = c.Int("pool-size")
			cfg.QueueSize = c.Int("queue-size")
			cfg.MaxSteps = c.Int("max-steps")
			cfg.SweepSchedule = c.String("sweep-schedule")
			cfg.Bus = c.String("bus")
			cfg.BusTopic = c.String("bus-topic")
			cfg.KafkaBrokers = c.StringSlice("kafka-brokers")
			if v := c.String("vault-key"); v != "" {
				cfg.VaultKey = v
			}
			cfg.BreakerThreshold = c.Int("breaker-threshold")
			cfg.HTTPAddr = c.String("http-addr")
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(ctx, *cfg)
		},
	}
}

func migrateCommand(cfg *Config) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema and exit",
		Action: func(ctx context.Context, c *cli.Command) error {
			applyGlobal(cfg, c)
			st, err := openStore(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			fmt.Printf("Database ready at %s\n", cfg.DBPath)
			return st.Close()
		},
	}
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func serve(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sealer, err := secrets.New(secrets.KeyConfig{Passphrase: cfg.VaultKey, Salt: []byte(cfg.VaultSalt)})
	if err != nil {
		return err
	}

	bus, err := openBus(cfg, logger)
	if err != nil {
		return err
	}

	webhooks := events.NewWebhookDispatcher(st, logger, events.WithSealer(sealer))
	hub := streaming.NewMemoryHub()
	opts := []events.Option{
		events.WithSink("audit", events.NewAuditSink(st)),
		events.WithSink("hub", hub),
		events.WithWebhooks(webhooks),
	}
	var sender engine.DocumentSender
	if bus != nil {
		defer bus.Close()
		opts = append(opts, events.WithSink("bus", bus))
		sender = busSender{bus: bus}
	}
	emitter := events.NewEmitter(logger, opts...)

	conditions, err := expressions.NewConditions()
	if err != nil {
		return err
	}
	validator, err := validation.NewWorkflowValidator(conditions)
	if err != nil {
		return err
	}

	engineCfg := engine.Config{
		PoolSize:             cfg.PoolSize,
		QueueSize:            cfg.QueueSize,
		MaxStepsPerExecution: cfg.MaxSteps,
	}
	if cfg.BreakerThreshold > 0 {
		cooldown, _ := time.ParseDuration(cfg.BreakerCooldown)
		engineCfg.SenderBreaker = &engine.BreakerConfig{FailureThreshold: cfg.BreakerThreshold, Cooldown: cooldown}
	}
	orch, err := engine.New(engine.Deps{
		Store:      st,
		Events:     emitter,
		Conditions: conditions,
		Validator:  validator,
		Sender:     sender,
		Signatures: notifiedSignatures{},
		Logger:     logger,
		Config:     engineCfg,
	})
	if err != nil {
		return err
	}

	resumed, err := orch.Recover(ctx)
	if err != nil {
		logger.Error("recover executions", slog.String("error", err.Error()))
	} else if resumed > 0 {
		logger.Info("recovered executions", slog.Int("count", resumed))
	}

	sched := scheduler.NewScheduler(orch, logger, scheduler.WithSchedule(cfg.SweepSchedule))
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := mcp.NewSignflowServer(mcp.SignflowServerDeps{
		Engine:    orch,
		Store:     st,
		Validator: validator,
		Webhooks:  events.NewRegistry(st, sealer),
		Logger:    logger,
	})
	notifier := mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions(), logger)
	emitter.On(schema.EventWildcard, notifier.Forward)

	panelErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		p := panel.NewPanelServer(panel.PanelDeps{Store: st, Engine: orch, Hub: hub, Logger: logger})
		go func() { panelErr <- p.ListenAndServe(ctx, cfg.HTTPAddr) }()
	} else {
		panelErr <- nil
	}

	logger.Info("signflow serving", slog.String("version", version), slog.String("db", cfg.DBPath), slog.String("bus", cfg.Bus))
	serveErr := srv.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = sched.Stop()
	stop()
	err = errors.Join(
		serveErr,
		<-panelErr,
		orch.Shutdown(shutdownCtx),
		webhooks.Shutdown(shutdownCtx),
	)
	logger.Info("signflow stopped")
	return err
}

func openBus(cfg Config, logger *slog.Logger) (*events.Bus, error) {
	switch cfg.Bus {
	case "memory":
		return events.NewGoChannelBus(logger, cfg.BusTopic), nil
	case "kafka":
		return events.NewKafkaBus(cfg.KafkaBrokers, cfg.BusTopic, logger)
	default:
		return nil, nil
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/tollgate/internal/config"
	"github.com/harun/tollgate/internal/logger"
	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/agent"
	"github.com/harun/tollgate/pkg/approval"
	"github.com/harun/tollgate/pkg/commandqueue"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/harun/tollgate/pkg/toolexecutor"
	"github.com/harun/tollgate/pkg/tools"
	"github.com/rs/zerolog"
)

// newModel builds the model client from config. Tests swap it for a scripted
// model.
var newModel = agent.NewModel

// runtime is the wired set of components behind serve and chat.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	store    thread.Store
	executor *toolexecutor.ToolExecutor
	queue    *commandqueue.CommandQueue
	runner   *agent.Runner
	outbox   *tools.Outbox
	notifier *approval.Fanout
	sweeper  *thread.Sweeper
}

// loadConfig reads the config file and applies the --log-level flag when it
// was given explicitly.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	return loader, cfg, nil
}

// newRuntime validates cfg and wires logger, store, tools, gate, queue and
// runner. Pending approvals go to the log and to every extra channel.
func newRuntime(cfg *config.Config, logOutput io.Writer, channels ...approval.Channel) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Output:    logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log}
	zl := log.Zerolog()

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	if cfg.Telemetry.Enabled {
		if err := tracing.InitOpenTelemetryWithRatio(cfg.Telemetry.ServiceName, cfg.Telemetry.SampleRatio); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to init telemetry: %w", err)
		}
	}

	if err := rt.wire(zl, channels); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(zl zerolog.Logger, channels []approval.Channel) error {
	cfg := rt.cfg

	store, err := thread.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open thread store: %w", err)
	}
	rt.store = store

	rt.executor = toolexecutor.New()
	rt.executor.SetTimeout(cfg.Tools.Timeout)
	rt.outbox = tools.NewOutbox()
	if err := tools.Register(rt.executor, tools.Options{Outbox: rt.outbox, Logger: zl}); err != nil {
		return err
	}
	if err := rt.executor.RequireApproval(cfg.Tools.RequireApproval...); err != nil {
		return fmt.Errorf("invalid tools.require_approval: %w", err)
	}

	model, err := newModel(cfg.Model)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}

	rt.queue = commandqueue.New()
	rt.notifier = approval.NewFanout(approval.NewLogChannel(zl))
	for _, ch := range channels {
		rt.notifier.Add(ch)
	}

	rt.runner, err = agent.NewRunner(agent.Config{
		Model:        model,
		Gate:         toolexecutor.NewGate(rt.executor),
		Store:        store,
		CommandQueue: rt.queue,
		Notifier:     rt.notifier,
		Logger:       zl,
		Instructions: cfg.Agent.Instructions,
		MaxSteps:     cfg.Agent.MaxSteps,
	})
	if err != nil {
		return err
	}

	if cfg.Retention.Enabled {
		rt.sweeper, err = thread.NewSweeper(thread.SweeperConfig{
			Store:    store,
			Deleter:  rt.runner,
			Schedule: cfg.Retention.Schedule,
			MaxAge:   cfg.Retention.MaxAge,
			Logger:   zl,
		})
		if err != nil {
			return err
		}
		if err := rt.sweeper.Start(); err != nil {
			return err
		}
	}

	zl.Debug().
		Str("provider", model.Provider()).
		Str("store", cfg.Store.Backend).
		Strs("tools", rt.executor.ListTools()).
		Strs("gated", cfg.Tools.RequireApproval).
		Msg("Runtime ready")
	return nil
}

// Close stops background work and releases the store and log files.
func (rt *runtime) Close() error {
	var errs []error
	if rt.sweeper != nil {
		rt.sweeper.Stop()
	}
	if rt.queue != nil {
		rt.queue.WaitForActive(5 * time.Second)
		errs = append(errs, rt.queue.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.cfg.Telemetry.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(ctx))
		cancel()
	}
	if rt.log != nil {
		errs = append(errs, rt.log.Close())
	}
	return errors.Join(errs...)
}

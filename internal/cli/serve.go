package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/tollgate/internal/config"
	"github.com/harun/tollgate/pkg/gateway"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the agent over the JSON-RPC gateway",
	Long: `Serve threads over HTTP and websocket JSON-RPC. Approval requests are
broadcast to authenticated websocket clients and listed by approvals.list;
clients answer with thread.decide. The log level follows config file edits.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateGateway(); err != nil {
		return err
	}

	rt, err := newRuntime(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.log.Zerolog()

	server, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		TickInterval: cfg.Gateway.TickInterval,
		Runtime:      rt.runner,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	rt.notifier.Add(gateway.NewApprovalChannel(server))

	if err := server.Start(); err != nil {
		return err
	}

	level := cfg.Logging.Level
	err = loader.Watch(func(updated *config.Config) {
		if updated.Logging.Level == level {
			return
		}
		if err := rt.log.SetLevel(updated.Logging.Level); err != nil {
			logger.Warn().Err(err).Msg("Ignoring config reload")
			return
		}
		logger.Info().Str("from", level).Str("to", updated.Logging.Level).Msg("Log level changed")
		level = updated.Logging.Level
	}, func(err error) {
		logger.Warn().Err(err).Msg("Config reload failed")
	})
	if err != nil {
		logger.Debug().Err(err).Msg("Config hot reload disabled")
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", server.Addr())
	<-ctx.Done()

	return server.Stop()
}

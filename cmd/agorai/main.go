// Command agorai is the bridge and internal-agent-worker entry point.
// Grounded on thrum's cmd/ cobra root + subcommand layout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agorai/bridge/internal/adapter"
	"github.com/agorai/bridge/internal/auth"
	"github.com/agorai/bridge/internal/config"
	"github.com/agorai/bridge/internal/dispatch"
	"github.com/agorai/bridge/internal/eventbus"
	"github.com/agorai/bridge/internal/logging"
	"github.com/agorai/bridge/internal/metrics"
	"github.com/agorai/bridge/internal/ratelimit"
	"github.com/agorai/bridge/internal/runner"
	"github.com/agorai/bridge/internal/session"
	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/tools"
	"github.com/agorai/bridge/internal/transport"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:   "agorai",
		Short: "Agorai multi-agent collaboration bridge",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")
	root.AddCommand(newServeCmd(&configFile))
	root.AddCommand(newAgentCmd(&configFile))
	return root
}

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge HTTP/JSON-RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configFile)
		},
	}
}

func newAgentCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run an internal cooperative agent worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), *configFile)
		},
	}
}

func runServe(ctx context.Context, configFile string) error {
	cfg, err := config.LoadBridge(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(logging.Options{Level: slog.LevelInfo})
	transport.Version = version

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	bus := eventbus.New(log)
	st := store.New(db, bus, log)

	roster, err := cfg.AuthRoster()
	if err != nil {
		return fmt.Errorf("build auth roster: %w", err)
	}
	authenticator := auth.New(st, roster, cfg.APIKeySalt, log)
	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	sessions := session.New(log)

	d := dispatch.New(st, sessions, log)
	d.Subscribe(bus)

	httpServer := &http.Server{
		Addr: cfg.Addr(),
		Handler: transport.NewServer(transport.Config{
			Authenticator: authenticator,
			Limiter:       limiter,
			Sessions:      sessions,
			NewToolSet:    func(agentID string) *tools.Set { return tools.NewSet(st, agentID) },
			MaxBodySize:   cfg.MaxBodySize,
			Log:           log,
		}),
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		log.Info("bridge: listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info("bridge: metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("bridge: shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions.CloseAll()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

func runAgent(ctx context.Context, configFile string) error {
	cfg, err := config.LoadAgent(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(logging.Options{Level: slog.LevelInfo})

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	bus := eventbus.New(log)
	st := store.New(db, bus, log)

	var ad adapter.Adapter
	if cfg.AdapterCommand != "" {
		ad = adapter.NewCLIAdapter(cfg.AdapterCommand, cfg.AdapterArgs...)
	} else {
		return fmt.Errorf("no adapterCommand configured")
	}

	r := runner.New(runner.Config{
		Store: st, Bus: bus, Adapter: ad, AgentName: cfg.AgentName,
		Mode: runner.Mode(cfg.Mode), PollInterval: cfg.PollInterval(), SystemPrompt: cfg.SystemPrompt, Log: log,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("agent runner: %w", err)
	}
	return nil
}

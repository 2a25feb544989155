package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/moltbook/shellgate/internal/adapter/inbound/proxy"
	auditout "github.com/moltbook/shellgate/internal/adapter/outbound/audit"
	"github.com/moltbook/shellgate/internal/adapter/outbound/blob"
	"github.com/moltbook/shellgate/internal/adapter/outbound/moltbook"
	"github.com/moltbook/shellgate/internal/config"
	"github.com/moltbook/shellgate/internal/domain/allowlist"
	"github.com/moltbook/shellgate/internal/domain/ratelimit"
	"github.com/moltbook/shellgate/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the egress proxy: allowlist enforcement, content
sanitization, rate-limited write actions, and memory persistence, with
the audit stream on stdout.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// Stdout carries only the audit stream; all operational logging
	// goes to stderr.
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does
	// a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

// run wires the components and serves until the context is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	holder, err := allowlist.NewHolder(cfg.Allowlist.Path, logger)
	if err != nil {
		return fmt.Errorf("load allowlist: %w", err)
	}

	auditLog := auditout.NewStdoutLogger()

	store, err := buildStore(cfg, logger)
	if err != nil {
		return err
	}

	upstream := moltbook.NewClient(cfg.Moltbook.BaseURL, cfg.Moltbook.Token)
	limiter := ratelimit.NewLimiter()

	actions := service.NewActionService(limiter, upstream, auditLog)
	memorySvc := service.NewMemoryService(store, auditLog)

	srv, err := proxy.NewServer(cfg.Server.Port, holder, actions, memorySvc, auditLog, logger)
	if err != nil {
		return err
	}

	// SIGHUP forces an allowlist reload; the file watcher handles
	// unattended edits.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				_ = holder.Reload()
			}
		}
	}()

	watcher, err := allowlist.NewWatcher(holder, logger)
	if err != nil {
		logger.Warn("allowlist watcher unavailable, relying on SIGHUP", "error", err)
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("allowlist watcher stopped", "error", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("shellgate stopped")
	return nil
}

// buildStore selects blob storage: Azure when configured, otherwise an
// in-process store that loses data on restart.
func buildStore(cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	if cfg.Storage.Account == "" {
		logger.Warn("no storage account configured, memory files will not survive restarts")
		return blob.NewMemoryStore(), nil
	}

	store, err := blob.NewAzureStore(cfg.Storage.Account, cfg.Storage.Container)
	if err != nil {
		return nil, fmt.Errorf("init blob storage: %w", err)
	}
	logger.Info("blob storage ready",
		"account", cfg.Storage.Account, "container", cfg.Storage.Container)
	return store, nil
}

// parseLogLevel maps the config string to a slog level, defaulting to
// info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaysync/pkg/config"
	"relaysync/pkg/coordinator"
	"relaysync/pkg/fsys"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaysync",
		Short: "Shared folder sync against a relay server",
		Long: `Keeps local vault folders in sync with a relay server.
Markdown and canvas files sync as collaborative documents, everything else as content-addressed blobs.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is the common case.
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		runCmd(),
		statusCmd(),
		healthCmd(),
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync process",
		Long:  `Load the configuration, open every configured folder and sync until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err := setupLogger(verbose, cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			coord, err := coordinator.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting relaysync",
				zap.String("version", version),
				zap.String("data_dir", cfg.DataDir),
				zap.String("vault_root", cfg.VaultRoot),
				zap.Int("folders", len(cfg.Folders)))
			return coord.Run(ctx)
		},
	}
}

func healthCmd() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the readiness of a running process",
		Long: `Query the gRPC health service. With no --service the whole process is checked;
use --service folder/<guid> for one folder. Exits non-zero unless SERVING.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			status, err := coordinator.CheckHealth(ctx, addr, service)
			if err != nil {
				return err
			}

			name := service
			if name == "" {
				name = "relaysync"
			}
			color := lipgloss.Color("#42c767")
			if status != healthpb.HealthCheckResponse_SERVING {
				color = lipgloss.Color("#ff6b6b")
			}
			fmt.Printf("%s: %s\n", name, lipgloss.NewStyle().Foreground(color).Bold(true).Render(status.String()))

			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", name, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8091", "health service address")
	cmd.Flags().StringVar(&service, "service", "", "service to check (empty for the process)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "check timeout")
	return cmd
}

func watchCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print local file events",
		Long:  `Watch a directory the way a shared folder does and print every event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogger(verbose, config.LogConfig{})
			if err != nil {
				return err
			}
			defer logger.Sync()

			watcher, err := fsys.NewWatcher(root, logger)
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Println(mutedStyle.Render("Watching " + root + " (Ctrl+C to stop)"))
			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-watcher.Events():
					if !ok {
						return nil
					}
					fmt.Println(formatEvent(ev))
				case err, ok := <-watcher.Errors():
					if !ok {
						return errors.New("watcher stopped")
					}
					fmt.Fprintln(os.Stderr, dangerValueStyle.Render("error: ")+err.Error())
				}
			}
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "directory to watch")
	return cmd
}

func formatEvent(ev fsys.Event) string {
	ts := mutedStyle.Render(time.Now().Format("15:04:05.000"))
	op := eventStyle(ev.Op).Render(fmt.Sprintf("%-6s", ev.Op))
	line := fmt.Sprintf("%s %s %s", ts, op, ev.Path)
	if ev.Op == fsys.OpRename {
		line += mutedStyle.Render(" <- " + ev.OldPath)
	}
	if ev.IsDir {
		line += mutedStyle.Render(" (dir)")
	}
	return line
}

func eventStyle(op fsys.Op) lipgloss.Style {
	switch op {
	case fsys.OpCreate:
		return accentValueStyle
	case fsys.OpDelete:
		return dangerValueStyle
	case fsys.OpRename:
		return warningValueStyle
	default:
		return valueStyle
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaysync " + version)
		},
	}
}

// setupLogger builds the process logger. A configured log file receives a
// rotated JSON copy of everything written to stderr.
func setupLogger(verbose bool, logCfg config.LogConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if logCfg.Level != "" {
		if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", logCfg.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if logCfg.File == "" {
		return logger, nil
	}

	rotated := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logCfg.File,
		MaxSize:    logCfg.MaxSizeMB,
		MaxBackups: logCfg.MaxBackups,
		Compress:   true,
	})
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(cfg.EncoderConfig), rotated, cfg.Level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

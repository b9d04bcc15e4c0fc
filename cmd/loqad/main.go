package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/prefs"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loqad:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "loqad",
		Short:         "Loqa voice node: microphone capture, speech output and their coordination",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML or TOML)")
	root.AddCommand(versionCmd(), prefsCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Telemetry.LogLevel)

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect or change persisted voice preferences",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored preferences",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withPrefs(cmd.Context(), func(store *prefs.SQLiteStore) error {
					values, err := store.All(cmd.Context())
					if err != nil {
						return err
					}
					for _, key := range prefs.Keys {
						if v, ok := values[key]; ok {
							fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", key, v)
						}
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print one preference",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := checkKey(args[0])
				if err != nil {
					return err
				}
				return withPrefs(cmd.Context(), func(store *prefs.SQLiteStore) error {
					v, ok, err := store.Get(key)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("%s is not set", key)
					}
					fmt.Fprintln(cmd.OutOrStdout(), v)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Store one preference",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := checkKey(args[0])
				if err != nil {
					return err
				}
				return withPrefs(cmd.Context(), func(store *prefs.SQLiteStore) error {
					return store.Set(key, args[1])
				})
			},
		},
	)
	return cmd
}

func checkKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !slices.Contains(prefs.Keys, key) {
		return "", fmt.Errorf("unknown preference %q (known: %s)", key, strings.Join(prefs.Keys, ", "))
	}
	return key, nil
}

func withPrefs(ctx context.Context, fn func(*prefs.SQLiteStore) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger("error")
	store, err := prefs.Open(ctx, cfg.Preferences, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

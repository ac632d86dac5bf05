// Package main provides the testgen binary entry point.
// Testgen turns a documentation URL into a structured browser test plan
// and tracks execution runs of those plans.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/testgen/llm/providers"

	"github.com/c360studio/testgen/config"
	plangenerator "github.com/c360studio/testgen/processor/plan-generator"
	"github.com/c360studio/testgen/storage"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "testgen"
)

// localUser owns plans generated from the command line.
const localUser = "local"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Documentation-to-test-plan generator",
		Long: `Testgen fetches a documentation page, asks a language model for a
browser test plan covering it, validates and stores the plan, and tracks
execution runs through queued, running, completed and failed.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&flags),
		generateCmd(&flags),
		userCmd(&flags),
		configCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(flags.logLevel, cmd.ErrOrStderr())
			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			logger.Info("Testgen ready",
				"version", Version,
				"default_model", cfg.Model.Default,
				"storage", cfg.Storage.Backend)

			return app.Serve(ctx, 10*time.Second)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func generateCmd(flags *globalFlags) *cobra.Command {
	var (
		docLink string
		appURL  string
		modelID string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one test plan and print it as JSON",
		Long: `Generate runs the full pipeline once as the local user, stores the
plan, and prints the result. The local user is created on first use with
an exempt subscription state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(flags.logLevel, cmd.ErrOrStderr())
			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			return runGenerate(ctx, app, plangenerator.Request{
				DocLink: docLink,
				AppURL:  appURL,
				Model:   modelID,
			}, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&docLink, "doc", "", "Documentation URL (required)")
	cmd.Flags().StringVar(&appURL, "app", "", "Application URL under test (required)")
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Model id (default from config)")
	_ = cmd.MarkFlagRequired("doc")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

// runGenerate makes sure the local user exists and prints the result.
func runGenerate(ctx context.Context, app *App, req plangenerator.Request, out io.Writer) error {
	if _, err := app.store.GetUser(ctx, localUser); errors.Is(err, storage.ErrNotFound) {
		state := "active"
		if len(app.cfg.Quota.ExemptStates) > 0 {
			state = app.cfg.Quota.ExemptStates[0]
		}
		if err := app.store.PutUser(ctx, &storage.User{ID: localUser, SubscriptionState: state}); err != nil {
			return fmt.Errorf("create local user: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get local user: %w", err)
	}

	req.OwnerID = localUser
	result, err := app.generator.Generate(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func userCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage quota records for users",
	}

	var subscription string
	setCmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Create or update a user's subscription state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(flags.logLevel, cmd.ErrOrStderr())
			cfg, err := config.NewLoader(logger).Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			app, err := NewApp(ctx, cfg, logger, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			return setUser(ctx, app.store, args[0], subscription, cmd.OutOrStdout())
		},
	}
	setCmd.Flags().StringVar(&subscription, "subscription", "", "Subscription state (e.g. active, trialing, canceled)")

	cmd.AddCommand(setCmd)
	return cmd
}

// setUser updates the subscription state, keeping any quota history.
func setUser(ctx context.Context, users storage.UserStore, id, subscription string, out io.Writer) error {
	u, err := users.UpdateUser(ctx, id, func(u *storage.User) error {
		u.SubscriptionState = subscription
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		u = &storage.User{ID: id, SubscriptionState: subscription}
		err = users.PutUser(ctx, u)
	}
	if err != nil {
		return fmt.Errorf("set user %s: %w", id, err)
	}
	fmt.Fprintf(out, "user %s: subscription=%q quota=%d\n", u.ID, u.SubscriptionState, u.Quota.Count)
	return nil
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user config if none exists",
			RunE: func(cmd *cobra.Command, args []string) error {
				logger := setupLogging(flags.logLevel, cmd.ErrOrStderr())
				return config.NewLoader(logger).EnsureUserConfig()
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				logger := setupLogging(flags.logLevel, cmd.ErrOrStderr())
				cfg, err := config.NewLoader(logger).Load(flags.configPath)
				if err != nil {
					return err
				}
				return printConfig(cmd.OutOrStdout(), cfg)
			},
		},
	)
	return cmd
}

// setupLogging installs a text handler on w at the named level.
func setupLogging(level string, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

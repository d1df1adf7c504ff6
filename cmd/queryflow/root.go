package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"queryflow/config"
	"queryflow/internal/app"
	"queryflow/internal/logging"
	"queryflow/internal/version"
)

const shutdownTimeout = 30 * time.Second

// cliState is shared by every subcommand of one invocation.
type cliState struct {
	configPath string
	baseURL    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	state := &cliState{}

	rootCmd := &cobra.Command{
		Use:   "queryflow",
		Short: "queryflow - client for the natural-language query backend",
		Long: `queryflow talks to a natural-language database query backend.

It connects the backend to a database, uploads documents and follows their
ingestion, runs natural-language queries and renders or exports the results.
The serve command exposes the same flows as a local HTTP API.`,
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
				return nil
			}
			return state.load(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&state.configPath, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&state.baseURL, "base-url", "", "backend base URL (overrides gateway.base_url)")
	rootCmd.PersistentFlags().StringVar(&state.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&state.logFormat, "log-format", "", "log format: auto, text, json")

	rootCmd.AddCommand(
		newServeCmd(state),
		newConnectCmd(state),
		newSchemaCmd(state),
		newIngestCmd(state),
		newQueryCmd(state),
		newHistoryCmd(state),
		newSuggestCmd(state),
		newJobsCmd(state),
		newVersionCmd(),
	)
	return rootCmd
}

// load resolves configuration and the logger. Flags win over every other source.
func (s *cliState) load(cmd *cobra.Command) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if s.baseURL != "" {
		cfg.Gateway.BaseURL = s.baseURL
	}
	if s.logFormat != "" {
		cfg.Log.Format = s.logFormat
	}
	if cmd.Name() != "serve" {
		// One-shot commands print results on stdout; keep stderr for problems.
		cfg.Log.Level = "warn"
		cfg.Server.MetricsEnabled = false
	}
	if s.logLevel != "" {
		cfg.Log.Level = s.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Format: cfg.Log.Format,
		Level:  cfg.Log.Level,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	s.cfg = cfg
	s.logger = logger
	return nil
}

// withApp builds the application, runs fn and shuts everything down again.
func (s *cliState) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) (err error) {
	ctx := cmd.Context()
	a, err := app.New(ctx, app.Config{AppConfig: s.cfg, Logger: s.logger})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := a.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", shutdownErr)
		}
	}()
	return fn(ctx, a)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display queryflow version and build information.`,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

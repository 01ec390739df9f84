// Package cli provides the sitesmith command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sitesmith/internal/config"
	"sitesmith/internal/logging"
)

const defaultPingTimeout = 5 * time.Second

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// runtimeState is filled by the root PersistentPreRunE and read by subcommands.
type runtimeState struct {
	cfg       *config.Config
	log       zerolog.Logger
	logCloser io.Closer

	// loadConfig is swapped in tests.
	loadConfig func() (*config.Config, error)
}

func newRootCmd(info BuildInfo) *cobra.Command {
	state := &runtimeState{loadConfig: config.LoadConfig}
	return newRootCmdWithState(state, info)
}

func newRootCmdWithState(state *runtimeState, info BuildInfo) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "sitesmith",
		Short: "Sitesmith - turn wizard configurations into deployed websites",
		Long: `Sitesmith materializes a website from a template and a wizard configuration,
builds it, serves it from an isolated container and binds it to a subdomain
or a verified custom domain.

Configuration is read from SITESMITH_* environment variables or a .env file.`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			log, closer, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
			if err != nil {
				return err
			}
			state.cfg, state.log, state.logCloser = cfg, log, closer
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if state.logCloser != nil {
				return state.logCloser.Close()
			}
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override SITESMITH_LOG_LEVEL (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(state))
	cmd.AddCommand(newGenerateCmd(state))
	cmd.AddCommand(newDomainsCmd(state))
	return cmd
}

func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	return newRootCmd(info).ExecuteContext(ctx)
}

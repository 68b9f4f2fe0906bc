// Package cli implements the coronary3d command-line interface.
//
// # Commands
//
//   - analyze: vessel analysis of a single angiogram
//   - reconstruct: 3D reconstruction from two or more angiograms
//   - manual: 3D reconstruction from manually tracked centerline points
//   - serve: HTTP service exposing the three modes
//   - config init: write a default configuration file
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging. The logger
// travels in context.Context to every pipeline stage.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"coronary3d/pkg/config"
	"coronary3d/pkg/logging"
)

var (
	version = "dev" // semantic version
	commit  string  // git commit SHA
	date    string  // build timestamp
)

// SetVersion sets the version information displayed by --version.
// Called by the main package with values injected via ldflags.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// globalOpts are the persistent flags shared by every command.
type globalOpts struct {
	configPath string
	envFile    string
	verbose    bool
}

type ctxKey int

const configKey ctxKey = 0

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// configFromContext returns the configuration loaded by the root command,
// or the defaults when a command runs without it.
func configFromContext(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var opts globalOpts

	root := &cobra.Command{
		Use:          "coronary3d",
		Short:        "Coronary tree analysis and 3D reconstruction from angiograms",
		Long:         `coronary3d extracts vessel centerlines and bifurcations from X-ray coronary angiograms and reconstructs the 3D vessel tree from two or more calibrated C-arm views.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			var envFiles []string
			if opts.envFile != "" {
				envFiles = append(envFiles, opts.envFile)
			}
			if err := cfg.ApplyEnv(envFiles...); err != nil {
				return err
			}

			level := logging.ParseLevel(cfg.Output.LogLevel)
			if opts.verbose {
				level = logging.LevelDebug
			}
			cfg.Output.LogLevel = level.String()
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := logging.WithLogger(cmd.Context(), logging.New(os.Stderr, level))
			cmd.SetContext(withConfig(ctx, cfg))
			return nil
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("coronary3d %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (.yaml or .toml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env", "", "dotenv file with CORONARY3D_* overrides (default .env)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newReconstructCmd())
	root.AddCommand(newManualCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())

	return root
}

// Execute runs the CLI with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

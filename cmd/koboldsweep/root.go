// cmd/koboldsweep/root.go
package koboldsweep

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwiater/koboldsweep/internal/config"
	"github.com/mwiater/koboldsweep/internal/sweep"
)

// version is stamped at build time with -ldflags "-X ...version=...".
var version = "dev"

// loadConfig is a seam for tests.
var loadConfig = config.Load

// rootCmd is the base Cobra command for the koboldsweep application.
// All subcommands are attached to this root to form the complete CLI.
var rootCmd = &cobra.Command{
	Use:   "koboldsweep",
	Short: "Benchmark a KoboldCpp server across parameter combinations",
	Long: `koboldsweep launches a KoboldCpp server once for every combination of the
configured launch parameters, sends a fixed prompt as soon as the server is
ready, classifies the server output into a result and writes an HTML report.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.ErrOrStderr(), viper.GetString("log-level"))
	},
}

// Execute runs the root Cobra command and all registered subcommands.
// It prints any returned error and exits the process with a non-zero
// status code on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var cerr *sweep.ConfigError
		var verr *config.ValidationError
		if errors.As(err, &cerr) || errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml); defaults to ./koboldsweep.*")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn or error")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// setupLogging installs the default slog logger.
func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

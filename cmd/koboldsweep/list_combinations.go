// cmd/koboldsweep/list_combinations.go
package koboldsweep

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwiater/koboldsweep/internal/report"
	"github.com/mwiater/koboldsweep/internal/runner"
)

// listCombinationsCmd implements 'list combinations', which expands the
// configured parameters and prints every combination with its command line.
var listCombinationsCmd = &cobra.Command{
	Use:   "combinations",
	Short: "List every parameter combination and its server command",
	Long:  `The 'combinations' subcommand expands the configured parameters exactly as 'run' would and prints each combination followed by the full server command line. Nothing is started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		specs, err := cfg.Specs()
		if err != nil {
			return err
		}
		r := &runner.Runner{
			Interpreter:      cfg.Interpreter,
			Script:           cfg.Script,
			DefaultArguments: cfg.DefaultArguments,
			Specs:            specs,
		}
		sets, invs, err := r.Plan()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d combinations\n", len(sets))
		for i, set := range sets {
			label := set.String()
			if label == "" {
				label = "(defaults)"
			}
			fmt.Fprintf(out, "%s %s\n", report.FormatCommand(i+1, len(sets), label), invs[i].CommandLine())
		}
		return nil
	},
}

func init() {
	listCmd.AddCommand(listCombinationsCmd)
}

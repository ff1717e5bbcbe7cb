// cmd/koboldsweep/config.go
package koboldsweep

import (
	"fmt"

	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// configCmd groups subcommands that inspect the configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Group commands for inspecting the configuration",
	Long:  `The 'config' command groups subcommands that inspect the effective configuration. It performs no action on its own.`,
}

// configShowCmd implements 'config show', which prints the effective
// configuration after defaults, the config file and the environment are merged.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `The 'show' subcommand loads and validates the configuration the same way 'run' does and prints the result, either pretty-printed (--format pp) or as YAML (--format yaml) that can be saved as a config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(viper.GetString("config"))
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		out := cmd.OutOrStdout()
		switch format {
		case "pp":
			_, err = pp.Fprintln(out, cfg)
			return err
		case "yaml":
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = out.Write(b)
			return err
		default:
			return fmt.Errorf("unknown format %q (want pp or yaml)", format)
		}
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "output format: pp or yaml")
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

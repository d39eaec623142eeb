package cli

import (
	"os"

	"github.com/ankittk/sybil/internal/config"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "sybil",
		Short:        "sybil: scheduled social agents and fleet orchestration",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override sybil home directory (default: ~/.sybil, env: SYBIL_HOME)")
	cmd.PersistentFlags().String("addr", "", "Admin API address of a running daemon (default: read from home)")
	cmd.PersistentFlags().String("api-key", "", "Admin API key (env: SYBIL_API_KEY_ADMIN)")

	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newTriggerCmd())
	cmd.AddCommand(newSchedulerCmd())
	cmd.AddCommand(newFleetCmd())
	cmd.AddCommand(newApikeyCmd())
	cmd.AddCommand(newNukeCmd())

	// Hidden internal subcommand used by `sybil start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}

package cli

import (
	"fmt"
	"os"

	"github.com/ankittk/sybil/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize the daemon config",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config (file + environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			cfg.Actuation.APIKey = redact(cfg.Actuation.APIKey)
			cfg.Policy.APIKey = redact(cfg.Policy.APIKey)
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			path := config.Path(home)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := config.Save(home, config.Default()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

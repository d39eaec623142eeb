package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Control the primary scheduler of a running daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.SchedulerStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	})
	for _, op := range []struct{ name, short string }{
		{"start", "Start the tick loop"},
		{"stop", "Stop the tick loop"},
		{"pause", "Skip planning on ticks until resumed"},
		{"resume", "Resume planning"},
	} {
		cmd.AddCommand(&cobra.Command{
			Use:   op.name,
			Short: op.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := apiClient(cmd)
				if err != nil {
					return err
				}
				st, err := c.SchedulerControl(cmd.Context(), op.name)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "scheduler running=%t paused=%t\n", st.Running, st.Paused)
				return nil
			},
		})
	}
	return cmd
}

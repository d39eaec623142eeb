package cli

import (
	"fmt"

	"github.com/ankittk/sybil/internal/config"
	"github.com/ankittk/sybil/internal/daemon"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sybil daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, "sybil not running")
				return nil
			}
			_, _ = fmt.Fprintf(out, "sybil running (pid %d, addr %s)\n", st.PID, st.Addr)

			c, err := apiClient(cmd)
			if err != nil {
				return nil
			}
			s, err := c.SchedulerStatus(cmd.Context())
			if err != nil {
				_, _ = fmt.Fprintf(out, "scheduler: unavailable (%v)\n", err)
				return nil
			}
			_, _ = fmt.Fprintf(out, "scheduler: running=%t paused=%t processed=%d errors=%d\n", s.Running, s.Paused, s.TotalProcessed, s.Errors)
			if f, err := c.FleetState(cmd.Context()); err == nil {
				_, _ = fmt.Fprintf(out, "fleet: running=%t deployed=%d reacted=%d errors=%d\n", f.Running, f.Deployed, f.Reacted, f.Errors)
			} else {
				_, _ = fmt.Fprintln(out, "fleet: disabled")
			}
			return nil
		},
	}
	return cmd
}

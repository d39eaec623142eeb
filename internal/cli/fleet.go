package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newFleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Manage fleet servers of a running daemon",
	}
	cmd.AddCommand(newFleetServerCmd())
	cmd.AddCommand(newFleetAgentsCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run one fleet tick now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.FleetTick(cmd.Context())
			if err != nil {
				return err
			}
			if !res.Ran {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "A tick is already in progress.")
			}
			return printJSON(cmd.OutOrStdout(), res.State)
		},
	})
	return cmd
}

func newFleetServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Create, list and suspend fleet servers",
	}

	var (
		owner     string
		name      string
		maxAgents int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an active fleet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			srv, err := c.CreateServer(cmd.Context(), owner, name, maxAgents)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created server %s (owner=%s, max_agents=%d)\n", srv.ID, srv.OwnerID, srv.MaxAgents)
			return nil
		},
	}
	add.Flags().StringVar(&owner, "owner", "", "External id of the account whose posts the fleet reacts to")
	add.Flags().StringVar(&name, "name", "", "Display name")
	add.Flags().IntVar(&maxAgents, "max-agents", 10, "Capacity")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List fleet servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			servers, err := c.ListServers(cmd.Context(), status)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No servers.")
				return nil
			}
			for _, s := range servers {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %q owner=%s %s max=%d\n", s.ID, s.Name, s.OwnerID, s.Status, s.MaxAgents)
			}
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter: provisioning, active, suspended")

	suspend := &cobra.Command{
		Use:   "suspend <server-id>",
		Short: "Suspend a server and cancel its pending jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			n, err := c.SuspendServer(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Suspended %s (%d pending jobs cancelled)\n", args[0], n)
			return nil
		},
	}

	cmd.AddCommand(add, list, suspend)
	return cmd
}

func newFleetAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents <server-id>",
		Short: "List a server's fleet agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			agents, err := c.ListFleetAgents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- @%s %s %s hp=%d\n", a.Handle, a.ID, a.State(), a.HP)
			}
			return nil
		},
	}
}

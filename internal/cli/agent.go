package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ankittk/sybil/internal/config"
	"github.com/ankittk/sybil/internal/daemon"
	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage primary agents",
	}
	cmd.AddCommand(newAgentAddCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentActiveCmd())
	cmd.AddCommand(newAgentConfigCmd())
	cmd.AddCommand(newAgentJobsCmd())
	return cmd
}

// openStore opens the configured store directly; these commands work with or without a running daemon.
func openStore(cmd *cobra.Command) (store.Store, error) {
	home := config.MustHomeFrom(cmd.Context())
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	return daemon.OpenStore(cfg, home)
}

func newAgentAddCmd() *cobra.Command {
	var (
		externalID  string
		handle      string
		personality string
		frequency   int
		ownerID     string
		inactive    bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a primary agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if externalID == "" {
				return errors.New("--external-id is required")
			}
			if handle == "" {
				return errors.New("--handle is required")
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			a, err := st.CreateAgent(cmd.Context(), models.Agent{
				ExternalID:  externalID,
				Handle:      strings.TrimPrefix(handle, "@"),
				Personality: personality,
				Frequency:   frequency,
				OwnerID:     ownerID,
				Active:      !inactive,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added agent @%s (id=%s, %d actions/day)\n", a.Handle, a.ID, a.Frequency)
			return nil
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "Account id on the social platform")
	cmd.Flags().StringVar(&handle, "handle", "", "Agent handle")
	cmd.Flags().StringVar(&personality, "personality", "", "Personality prompt")
	cmd.Flags().IntVar(&frequency, "frequency", models.DefaultFrequency, "Actions per day")
	cmd.Flags().StringVar(&ownerID, "owner", "", "External id of the owning account")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Register without scheduling")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List primary agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			agents, err := st.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				state := "active"
				if !a.Active {
					state = "inactive"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- @%s %s (%s, %d/day)\n", a.Handle, a.ID, state, a.Frequency)
			}
			return nil
		},
	}
	return cmd
}

func newAgentActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active <agent-id> <true|false>",
		Short: "Enable or disable scheduling for an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var active bool
			switch args[1] {
			case "true", "on", "yes":
				active = true
			case "false", "off", "no":
			default:
				return fmt.Errorf("expected true or false, got %q", args[1])
			}
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if _, err := st.GetAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := st.SetAgentActive(cmd.Context(), args[0], active); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Agent %s active=%t\n", args[0], active)
			return nil
		},
	}
	return cmd
}

func newAgentConfigCmd() *cobra.Command {
	var (
		actions  []string
		combat   string
		banking  string
		target   string
		heal     int
		hint     string
		showOnly bool
	)
	cmd := &cobra.Command{
		Use:   "config <agent-id>",
		Short: "Show or update an agent's planning config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			ctx := cmd.Context()
			id := args[0]
			if _, err := st.GetAgent(ctx, id); err != nil {
				return err
			}
			cfg, err := st.GetAgentConfig(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				cfg = models.DefaultAgentConfig(id)
			} else if err != nil {
				return err
			}
			edited := false
			for _, name := range []string{"actions", "combat", "banking", "target", "heal-threshold", "hint"} {
				edited = edited || cmd.Flags().Changed(name)
			}
			if showOnly || !edited {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			if cmd.Flags().Changed("actions") {
				cfg.EnabledActions = cfg.EnabledActions[:0]
				for _, s := range actions {
					a, err := models.ParseAction(s)
					if err != nil {
						return err
					}
					cfg.EnabledActions = append(cfg.EnabledActions, a)
				}
			}
			if cmd.Flags().Changed("combat") {
				cfg.CombatStrategy = combat
			}
			if cmd.Flags().Changed("banking") {
				cfg.BankingStrategy = banking
			}
			if cmd.Flags().Changed("target") {
				cfg.TargetMode = target
			}
			if cmd.Flags().Changed("heal-threshold") {
				cfg.AutoHealThreshold = heal
			}
			if cmd.Flags().Changed("hint") {
				cfg.PolicyHint = hint
			}
			if err := st.UpsertAgentConfig(ctx, cfg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cfg)
		},
	}
	cmd.Flags().StringSliceVar(&actions, "actions", nil, "Enabled actions (comma separated)")
	cmd.Flags().StringVar(&combat, "combat", "", "Combat strategy: balanced, defensive, aggressive, passive")
	cmd.Flags().StringVar(&banking, "banking", "", "Banking strategy: conservative, balanced, aggressive")
	cmd.Flags().StringVar(&target, "target", "", "Target mode")
	cmd.Flags().IntVar(&heal, "heal-threshold", 0, "HP below which the agent heals")
	cmd.Flags().StringVar(&hint, "hint", "", "Extra guidance for the policy model")
	cmd.Flags().BoolVar(&showOnly, "show", false, "Print the config without changing it")
	return cmd
}

func newAgentJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs <agent-id>",
		Short: "List an agent's recent jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			jobs, err := st.ListJobs(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
				return nil
			}
			for _, j := range jobs {
				line := fmt.Sprintf("#%d %-14s %-9s %-9s %s", j.ID, j.Action, j.Status, j.Source, j.ScheduledFor.Local().Format("2006-01-02 15:04"))
				if j.Error != "" {
					line += "  " + j.Error
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max jobs")
	return cmd
}

func newTriggerCmd() *cobra.Command {
	var action string
	cmd := &cobra.Command{
		Use:   "trigger <agent-id>",
		Short: "Plan and run one action for an agent now (requires a running daemon)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var a models.Action
			if action != "" {
				parsed, err := models.ParseAction(action)
				if err != nil {
					return err
				}
				a = parsed
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Trigger(cmd.Context(), args[0], a)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "Action to run (default: let the planner choose)")
	return cmd
}

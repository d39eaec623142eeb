package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ankittk/sybil/internal/config"
	"github.com/ankittk/sybil/internal/daemon"
	"github.com/ankittk/sybil/internal/images"
	"github.com/ankittk/sybil/internal/policy"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify config, store and upstream services",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			out := cmd.OutOrStdout()

			var problems []string

			cfg, err := config.Load(home)
			if err != nil {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "config:", err)
				return errors.New("doctor checks failed")
			}

			// Opening runs migrations.
			if st, err := daemon.OpenStore(cfg, home); err != nil {
				problems = append(problems, fmt.Sprintf("store (%s): %v", cfg.DB.Driver, err))
			} else {
				_ = st.Close()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if cfg.DryRun() {
				_, _ = fmt.Fprintln(out, "actuation: dry run (SYBIL_API_KEY not set)")
			}
			pol := policy.New(policy.Options{BaseURL: cfg.Policy.BaseURL, APIKey: cfg.Policy.APIKey, Model: cfg.Policy.Model})
			if pol.DryRun() {
				_, _ = fmt.Fprintln(out, "policy: dry run (OPENAI_API_KEY not set)")
			} else if err := pol.Ping(ctx); err != nil {
				problems = append(problems, fmt.Sprintf("policy %s: %v", cfg.Policy.BaseURL, err))
			}
			if img := images.New(cfg.Images.BaseURL, nil); img.Enabled() {
				if _, err := img.Health(ctx); err != nil {
					problems = append(problems, fmt.Sprintf("images %s: %v (fleet assets will be skipped)", cfg.Images.BaseURL, err))
				} else if s, err := img.Stats(ctx); err == nil {
					_, _ = fmt.Fprintf(out, "images: %s, model loaded=%t, %d generated\n", s.Device, s.ModelLoaded, s.TotalGenerated)
				}
			}

			if len(problems) > 0 {
				for _, p := range problems {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), p)
				}
				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "ok")
			return nil
		},
	}
	return cmd
}

package cli

import (
	"github.com/ankittk/sybil/internal/config"
	"github.com/ankittk/sybil/internal/daemon"
	"github.com/spf13/cobra"
)

func newDaemonCmd() *cobra.Command {
	var (
		port       int
		dev        bool
		pprofAddr  string
		enableOtel bool
		noFleet    bool
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			cfg, err := config.Load(home)
			if err != nil {
				return err
			}
			config.SetupLogging(cmd.ErrOrStderr(), cfg.LogLevel)
			return daemon.StartForeground(cmd.Context(), daemon.StartOptions{
				Home:       home,
				Port:       port,
				Dev:        dev,
				PprofAddr:  pprofAddr,
				EnableOtel: enableOtel,
				NoFleet:    noFleet,
				Config:     &cfg,
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", daemon.DefaultPort, "Port for the admin API")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable dev mode")
	cmd.Flags().StringVar(&pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().BoolVar(&enableOtel, "otel", false, "Enable OpenTelemetry metrics")
	cmd.Flags().BoolVar(&noFleet, "no-fleet", false, "Run without the fleet orchestrator")

	return cmd
}

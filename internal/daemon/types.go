package daemon

import "github.com/ankittk/sybil/internal/config"

// StartOptions configures the daemon (home, port, dev mode, pprof, otel). Config is
// loaded from home when nil.
type StartOptions struct {
	Home       string
	Port       int
	Dev        bool
	PprofAddr  string
	EnableOtel bool // enable OpenTelemetry metrics (Prometheus exporter + HTTP/job/tick instrumentation)
	NoFleet    bool // overrides fleet.enabled in config
	Config     *config.Config
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}

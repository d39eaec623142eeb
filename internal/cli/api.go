package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ankittk/sybil/internal/config"
	"github.com/ankittk/sybil/internal/daemon"
	"github.com/ankittk/sybil/pkg/client"
	"github.com/spf13/cobra"
)

// apiClient returns an SDK client for the running daemon. --addr wins over the
// address the daemon recorded under home.
func apiClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	key, _ := cmd.Flags().GetString("api-key")
	if key == "" {
		key = os.Getenv("SYBIL_API_KEY_ADMIN")
	}
	if addr == "" {
		home := config.MustHomeFrom(cmd.Context())
		st, err := daemon.Status(cmd.Context(), home)
		if err != nil {
			return nil, err
		}
		if !st.Running || st.Addr == "unknown" {
			return nil, fmt.Errorf("sybil is not running (start it with: sybil start)")
		}
		addr = st.Addr
	}
	return client.New(baseURL(addr), key), nil
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	addr = strings.Replace(addr, "0.0.0.0:", "127.0.0.1:", 1)
	return "http://" + addr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

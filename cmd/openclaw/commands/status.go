package commands

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the `openclaw status` command that probes a
// running daemon's health endpoint.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon is up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Gateway.Enabled {
				return fmt.Errorf("gateway is disabled in the config; status needs it to probe")
			}

			addr := cfg.Gateway.Address
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}

			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get("http://" + addr + "/health")
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

			fmt.Printf("%s %s\n", resp.Status, strings.TrimSpace(string(body)))
			return nil
		},
	}
}

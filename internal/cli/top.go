package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ThomasGoatly/ray/internal/config"
	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/tui"
)

// NewTopCommand creates the top command.
func NewTopCommand() *cobra.Command {
	var addr string
	var token string
	var interval time.Duration
	var maxRows int

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live cluster memory viewer",
		Long: `Top attaches to a running raymem daemon and refreshes its memory
summary in place. When stdout is not a terminal it prints one snapshot
and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTop(cmd, addr, token, interval, maxRows)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: gateway listen address from config)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: gateway auth token from config)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh period")
	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "cap rendered rows per process (0 = all)")
	return cmd
}

func runTop(cmd *cobra.Command, addr, token string, interval time.Duration, maxRows int) error {
	if addr == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if addr == "" {
			addr = cfg.Gateway.Listen
		}
		if token == "" {
			token = cfg.Gateway.AuthToken
		}
	}

	fetch := newHTTPFetcher(addr, token)

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		report, err := fetch(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), memstat.RenderText(report, memstat.RenderOptions{
			MaxRowsPerProcess: maxRows,
		}))
		return nil
	}

	return tui.Run(cmd.Context(), fetch, tui.Options{
		Interval:          interval,
		MaxRowsPerProcess: maxRows,
	})
}

// newHTTPFetcher pulls structured reports from a daemon's /memory.json.
func newHTTPFetcher(addr, token string) tui.Fetcher {
	client := &http.Client{Timeout: 10 * time.Second}
	url := "http://" + addr + "/memory.json"
	return func(ctx context.Context) (*memstat.ClusterReport, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("daemon answered %s", resp.Status)
		}
		var report memstat.ClusterReport
		if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		return &report, nil
	}
}

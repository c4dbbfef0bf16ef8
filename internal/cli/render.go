package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ThomasGoatly/ray/internal/memstat"
)

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	var maxRows int

	cmd := &cobra.Command{
		Use:   "render <report.json>",
		Short: "Validate and render a structured report file",
		Long: `Render checks a structured report file against the report schema and
prints it in the textual summary format. Pass "-" to read from stdin;
pairs with "raymem demo --format json".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(rootOpts, cmd, args[0], maxRows)
		},
	}

	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "cap rendered rows per process (0 = all)")
	return cmd
}

func runRender(opts *RootOptions, cmd *cobra.Command, path string, maxRows int) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read report: %w", err)
	}

	if err := memstat.ValidateReportJSON(data); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}
	var report memstat.ClusterReport
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("decode report: %w", err)
	}

	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(&report)
	}
	fmt.Fprint(cmd.OutOrStdout(), memstat.RenderText(&report, memstat.RenderOptions{
		MaxRowsPerProcess: maxRows,
	}))
	return nil
}

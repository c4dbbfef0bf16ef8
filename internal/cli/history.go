package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ThomasGoatly/ray/internal/archive"
	"github.com/ThomasGoatly/ray/internal/config"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string
	var objectID string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived reports",
		Long: `History lists archived reports newest first. With --object it shows
every archived sighting of one object instead: which report saw it, on
which process, at what size and with which reference reasons.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, cmd, dbPath, objectID, limit)
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "archive database path (default: archive_path from config)")
	cmd.Flags().StringVar(&objectID, "object", "", "show sightings of one object id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to list")
	return cmd
}

func runHistory(opts *RootOptions, cmd *cobra.Command, dbPath, objectID string, limit int) error {
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dbPath = cfg.ArchivePath
	}

	store, err := archive.Open(dbPath, discardLogger())
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if objectID != "" {
		entries, err := store.ObjectHistory(ctx, objectID, limit)
		if err != nil {
			return fmt.Errorf("object history: %w", err)
		}
		if opts.Format == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		printObjectHistory(out, objectID, entries)
		return nil
	}

	summaries, err := store.ListReports(ctx, limit)
	if err != nil {
		return fmt.Errorf("list reports: %w", err)
	}
	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	printReportList(out, summaries)
	return nil
}

func printReportList(out io.Writer, summaries []archive.ReportSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no archived reports")
		return
	}
	fmt.Fprintf(out, "%-22s%-40s%-10s%-12s%-14s%-12s%s\n",
		"Generated", "Report ID", "Objects", "Processes", "Unreachable", "Pinned", "Elapsed")
	for _, s := range summaries {
		fmt.Fprintf(out, "%-22s%-40s%-10d%-12d%-14d%-12s%dms\n",
			s.GeneratedAt.Format("2006-01-02 15:04:05"),
			s.ID,
			s.NumObjects,
			s.NumProcesses,
			s.NumUnreachable,
			humanize.Bytes(uint64(s.PinnedBytes)),
			s.ElapsedMS,
		)
	}
}

func printObjectHistory(out io.Writer, objectID string, entries []archive.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(out, "no archived sightings of %s\n", objectID)
		return
	}
	fmt.Fprintf(out, "history of %s\n", objectID)
	fmt.Fprintf(out, "%-22s%-12s%-8s%-10s%-10s%-9s%-34s%s\n",
		"Generated", "Node", "PID", "Role", "Size", "Pinned", "Reasons", "Call Kind")
	for _, e := range entries {
		size := "?"
		if e.SizeBytes >= 0 {
			size = humanize.Bytes(uint64(e.SizeBytes))
		}
		fmt.Fprintf(out, "%-22s%-12s%-8d%-10s%-10s%-9t%-34s%s\n",
			e.GeneratedAt.Format("2006-01-02 15:04:05"),
			e.NodeID,
			e.PID,
			e.Role,
			size,
			e.Pinned,
			strings.Join(e.Reasons, ","),
			e.CallKind,
		)
	}
}

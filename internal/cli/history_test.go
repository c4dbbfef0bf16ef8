package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasGoatly/ray/internal/archive"
	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/process"
)

const historyObjectID = "ffffffffffffffffffffffff03000000"

func seedArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := archive.Open(path, discardLogger())
	require.NoError(t, err)
	defer store.Close()

	report := &memstat.ClusterReport{
		ID:          "report-history",
		GeneratedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
		ElapsedMS:   6,
		Nodes: []memstat.NodeReport{
			{
				NodeID:     "node-1",
				StoreCount: 1,
				StoreBytes: 4096,
				Processes: []memstat.ProcessReport{
					{
						PID:       5100,
						Role:      process.RoleDriver,
						Reachable: true,
						Objects: []memstat.ObjectRow{
							{
								ObjectID:  historyObjectID,
								SizeBytes: 4096,
								Pinned:    true,
								Reasons:   []string{"LOCAL_REFERENCE"},
								Qualifier: "loader.go:fill",
								CallKind:  "put",
							},
						},
					},
				},
			},
		},
	}
	_, err = store.SaveReport(context.Background(), report)
	require.NoError(t, err)
	return path
}

func runHistoryCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("v0.0.0-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestHistory_ListReports(t *testing.T) {
	dbPath := seedArchive(t)

	out, err := runHistoryCLI(t, "history", "--db", dbPath)
	require.NoError(t, err)

	assert.Contains(t, out, "Report ID")
	assert.Contains(t, out, "report-history")
	assert.Contains(t, out, "2026-08-20 12:00:00")
	assert.Contains(t, out, "4.1 kB")
	assert.Contains(t, out, "6ms")
}

func TestHistory_ListReportsJSON(t *testing.T) {
	dbPath := seedArchive(t)

	out, err := runHistoryCLI(t, "--format", "json", "history", "--db", dbPath)
	require.NoError(t, err)

	var summaries []archive.ReportSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "report-history", summaries[0].ID)
	assert.Equal(t, 1, summaries[0].NumObjects)
	assert.Equal(t, int64(4096), summaries[0].PinnedBytes)
}

func TestHistory_ObjectSightings(t *testing.T) {
	dbPath := seedArchive(t)

	out, err := runHistoryCLI(t, "history", "--db", dbPath, "--object", historyObjectID)
	require.NoError(t, err)

	assert.Contains(t, out, "history of "+historyObjectID)
	assert.Contains(t, out, "node-1")
	assert.Contains(t, out, "driver")
	assert.Contains(t, out, "LOCAL_REFERENCE")
	assert.Contains(t, out, "put")
}

func TestHistory_ObjectSightingsEmpty(t *testing.T) {
	dbPath := seedArchive(t)

	out, err := runHistoryCLI(t, "history", "--db", dbPath, "--object", "ffffffffffffffffffffffff09000000")
	require.NoError(t, err)

	assert.Contains(t, out, "no archived sightings of ffffffffffffffffffffffff09000000")
}

func TestHistory_EmptyArchive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")

	out, err := runHistoryCLI(t, "history", "--db", dbPath)
	require.NoError(t, err)

	assert.Contains(t, out, "no archived reports")
}

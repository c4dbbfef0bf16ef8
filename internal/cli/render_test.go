package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasGoatly/ray/internal/memstat"
	"github.com/ThomasGoatly/ray/internal/process"
)

func renderFixture(t *testing.T) []byte {
	t.Helper()
	report := memstat.ClusterReport{
		ID:          "report-render",
		GeneratedAt: time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC),
		ElapsedMS:   4,
		Nodes: []memstat.NodeReport{
			{
				NodeID:     "node-1",
				StoreCount: 1,
				StoreBytes: 2048,
				Processes: []memstat.ProcessReport{
					{
						PID:       4100,
						Role:      process.RoleDriver,
						Reachable: true,
						Objects: []memstat.ObjectRow{
							{
								ObjectID:  "ffffffffffffffffffffffff01000000",
								SizeBytes: 2048,
								Pinned:    true,
								Reasons:   []string{"LOCAL_REFERENCE"},
								Qualifier: "pipeline.go:load",
								CallKind:  "put",
							},
							{
								ObjectID:  "ffffffffffffffffffffffff02000000",
								SizeBytes: -1,
								Reasons:   []string{"USED_BY_PENDING_TASK"},
								Qualifier: "pipeline.go:run",
								CallKind:  "task_call",
							},
						},
					},
				},
			},
		},
	}
	data, err := json.Marshal(report)
	require.NoError(t, err)
	return data
}

func writeFixture(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRender_TextFromFile(t *testing.T) {
	path := writeFixture(t, renderFixture(t))

	cmd := NewRootCommand("v0.0.0-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"render", path})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "Cluster memory summary")
	assert.Contains(t, text, "ffffffffffffffffffffffff01000000")
	assert.Contains(t, text, "(task call)")
	assert.Equal(t, 2, memstat.NumObjects(text))
	// Unresolved sizes render as the placeholder.
	assert.Equal(t, 1, memstat.CountLines(text, "?"))
}

func TestRender_Stdin(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewReader(renderFixture(t)))
	cmd.SetArgs([]string{"render", "-"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Cluster memory summary")
}

func TestRender_JSONRoundTrip(t *testing.T) {
	path := writeFixture(t, renderFixture(t))

	cmd := NewRootCommand("v0.0.0-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--format", "json", "render", path})
	require.NoError(t, cmd.Execute())

	var report memstat.ClusterReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "report-render", report.ID)
	assert.Equal(t, 2, report.NumObjects())
}

func TestRender_MaxRows(t *testing.T) {
	path := writeFixture(t, renderFixture(t))

	cmd := NewRootCommand("v0.0.0-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"render", path, "--max-rows", "1"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Equal(t, 1, memstat.NumObjects(text))
	assert.Contains(t, text, "truncated 1 row(s)")
}

func TestRender_InvalidReport(t *testing.T) {
	path := writeFixture(t, []byte(`{"report_id": 42}`))

	cmd := NewRootCommand("v0.0.0-test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"render", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid report")
}

func TestRender_MissingFile(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"render", filepath.Join(t.TempDir(), "absent.json")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "read report"))
}

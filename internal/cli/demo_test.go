package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasGoatly/ray/internal/memstat"
)

// The scripted workload leaves a fixed spread of live rows behind: on the
// driver a pinned put, a captured child, the capturing container, a task
// return and the actor's dummy object; on the actor's worker the retained
// init put and one retained argument per call.
const demoWantObjects = 8

func runDemoCLI(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCommand("v0.0.0-test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestDemo_TextSummary(t *testing.T) {
	out := runDemoCLI(t, "demo")

	assert.Contains(t, out, "Cluster memory summary")
	assert.Equal(t, demoWantObjects, memstat.NumObjects(out))

	assert.Equal(t, 4, memstat.CountLines(out, "(put object)"))
	assert.Equal(t, 1, memstat.CountLines(out, "(task call)"))
	assert.Equal(t, 1, memstat.CountLines(out, "(actor call)"))
	assert.Equal(t, 2, memstat.CountLines(out, "(deserialize actor task arg)"))

	assert.Equal(t, 3, memstat.CountLines(out, "PINNED_IN_MEMORY"))
	assert.Equal(t, 1, memstat.CountLines(out, "CAPTURED_IN_OBJECT"))
	assert.Equal(t, 1, memstat.CountLines(out, "USED_BY_PENDING_TASK"))

	// One driver, the idle task worker on node-1 and the actor worker on
	// node-2.
	assert.Equal(t, 1, memstat.CountLines(out, "driver pid="))
	assert.Equal(t, 2, memstat.CountLines(out, "worker pid="))
}

func TestDemo_JSON(t *testing.T) {
	out := runDemoCLI(t, "--format", "json", "demo")

	var report memstat.ClusterReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	assert.Equal(t, demoWantObjects, report.NumObjects())
	assert.Equal(t, 3, report.NumProcesses())
	require.NoError(t, memstat.ValidateReportJSON([]byte(out)))
}

func TestDemo_SingleNode(t *testing.T) {
	out := runDemoCLI(t, "demo", "--nodes", "1")

	// With one node the actor shares the driver's node; the row spread is
	// unchanged.
	assert.Equal(t, demoWantObjects, memstat.NumObjects(out))
	assert.Equal(t, 1, memstat.CountLines(out, "driver pid="))
}

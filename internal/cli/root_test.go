package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	require.NotNil(t, cmd)
	assert.Equal(t, "raymem", cmd.Use)
	assert.Contains(t, cmd.Long, "object store")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	commands := []string{"demo", "render", "history", "serve", "top", "version"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestDemoCommandFlags(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	demoCmd, _, err := cmd.Find([]string{"demo"})
	require.NoError(t, err)

	nodesFlag := demoCmd.Flags().Lookup("nodes")
	require.NotNil(t, nodesFlag)
	assert.Equal(t, "2", nodesFlag.DefValue)
}

func TestRenderCommandFlags(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	renderCmd, _, err := cmd.Find([]string{"render"})
	require.NoError(t, err)

	maxRowsFlag := renderCmd.Flags().Lookup("max-rows")
	require.NotNil(t, maxRowsFlag)
	assert.Equal(t, "0", maxRowsFlag.DefValue)
}

func TestHistoryCommandFlags(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	historyCmd, _, err := cmd.Find([]string{"history"})
	require.NoError(t, err)

	dbFlag := historyCmd.Flags().Lookup("db")
	require.NotNil(t, dbFlag)
	// --db falls back to the configured archive path, so default is empty
	assert.Equal(t, "", dbFlag.DefValue)

	objectFlag := historyCmd.Flags().Lookup("object")
	require.NotNil(t, objectFlag)

	limitFlag := historyCmd.Flags().Lookup("limit")
	require.NotNil(t, limitFlag)
	assert.Equal(t, "20", limitFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	nodesFlag := serveCmd.Flags().Lookup("nodes")
	require.NotNil(t, nodesFlag)

	workloadFlag := serveCmd.Flags().Lookup("workload")
	require.NotNil(t, workloadFlag)
	assert.Equal(t, "true", workloadFlag.DefValue)
}

func TestTopCommandFlags(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	topCmd, _, err := cmd.Find([]string{"top"})
	require.NoError(t, err)

	addrFlag := topCmd.Flags().Lookup("addr")
	require.NotNil(t, addrFlag)

	tokenFlag := topCmd.Flags().Lookup("token")
	require.NotNil(t, tokenFlag)

	intervalFlag := topCmd.Flags().Lookup("interval")
	require.NotNil(t, intervalFlag)
	assert.Equal(t, "2s", intervalFlag.DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("yaml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand("v0.0.0-test")
	cmd.SetArgs([]string{"--format", "invalid", "version"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

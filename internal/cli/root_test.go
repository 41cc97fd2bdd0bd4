package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTables = "../../testdata/tables"

// executeCommand runs the root command with args and returns stdout and
// stderr.
func executeCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "chisel", cmd.Use)
	assert.Contains(t, cmd.Long, "CUE tables")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"lower", "tables", "history", "classify"}

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
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestLowerCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	lowerCmd, _, err := cmd.Find([]string{"lower"})
	require.NoError(t, err)

	outputFlag := lowerCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)

	for _, name := range []string{"tables", "sink", "db"} {
		flag := lowerCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "flag %s", name)
		assert.Equal(t, "", flag.DefValue)
	}
}

func TestHistoryCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	historyCmd, _, err := cmd.Find([]string{"history"})
	require.NoError(t, err)

	for _, name := range []string{"db", "function", "run"} {
		assert.NotNil(t, historyCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, _, err := executeCommand(t, "tables", testTables, "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootCommand_MissingConfig(t *testing.T) {
	_, _, err := executeCommand(t, "tables", testTables, "--config", "testdata/missing.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRootCommand_ConfigFile(t *testing.T) {
	stdout, _, err := executeCommand(t, "lower", "testdata/fixtures/unit.yaml",
		"--tables", testTables, "--config", "testdata/bytecode.yaml")
	require.NoError(t, err)
	assert.Contains(t, stdout, "00000000  ")
	assert.NotContains(t, stdout, "export function")
}

package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenarioYAML = `name: cart-pass
description: Adds an item and checks the total.
stores:
  - namespace: cart
    initial:
      total: 0
handlers:
  - on: cart/addItem
    sum:
      total: 0
steps:
  - dispatch: cart/addItem
    payload: [3]
assertions:
  - type: final_state
    namespace: cart
    expect:
      total: 3
`

const failingScenarioYAML = `name: cart-fail
description: Asserts a total the reducer never produces.
stores:
  - namespace: cart
    initial:
      total: 0
handlers:
  - on: cart/addItem
    sum:
      total: 0
steps:
  - dispatch: cart/addItem
    payload: [3]
assertions:
  - type: final_state
    namespace: cart
    expect:
      total: 99
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execTest(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: "text"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommand_AllPass(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "cart-pass.yaml", passingScenarioYAML)

	out, err := execTest(t, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS  cart-pass")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_FailureSetsExitCode(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "cart-pass.yaml", passingScenarioYAML)
	writeScenario(t, dir, "cart-fail.yaml", failingScenarioYAML)

	out, err := execTest(t, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "PASS  cart-pass")
	assert.Contains(t, out, "FAIL  cart-fail")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTestCommand_FilterSelectsSubset(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "cart-pass.yaml", passingScenarioYAML)
	writeScenario(t, dir, "cart-fail.yaml", failingScenarioYAML)

	out, err := execTest(t, dir, "--filter", "cart-pass.*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommand_MissingDirectory(t *testing.T) {
	_, err := execTest(t, "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_EmptyDirectory(t *testing.T) {
	out, err := execTest(t, t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_MalformedScenarioCountsAsFailure(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: [this is not\n")

	out, err := execTest(t, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL")
}

func TestTestCommand_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "cart-pass.yaml", passingScenarioYAML)

	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: "json"})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{dir})
	require.NoError(t, cmd.Execute())

	var result TestResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 0, result.Failed)
	require.Len(t, result.Scenarios, 1)
	assert.Equal(t, "cart-pass", result.Scenarios[0].Name)
}

func TestTestCommand_TraceFlagPrintsTrace(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "cart-pass.yaml", passingScenarioYAML)

	out, err := execTest(t, dir, "--trace")
	require.NoError(t, err)
	assert.Contains(t, out, "--- cart-pass ---")
	assert.Contains(t, out, "dispatch cart/addItem [3]")
}

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_ScalarArith(t *testing.T) {
	// Regenerate with:
	//   go test ./internal/harness -run TestRunWithGolden_ScalarArith -update
	result, err := RunWithGolden(t, loadTestScenario(t, "scalar_arith.yaml"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestAssertGolden_FromResult(t *testing.T) {
	result, err := Run(loadTestScenario(t, "scalar_arith.yaml"))
	require.NoError(t, err)

	// Same listing, compared without re-running.
	AssertGolden(t, "scalar_arith", result)
}

func TestRunWithGolden_InfrastructureError(t *testing.T) {
	scenario := loadTestScenario(t, "scalar_arith.yaml")
	scenario.Tables = "/nonexistent/tables"

	_, err := RunWithGolden(t, scenario)
	require.Error(t, err)
}

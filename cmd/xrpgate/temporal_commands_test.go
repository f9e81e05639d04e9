package main

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func temporalTestArgs(t *testing.T) []string {
	t.Helper()

	// Skip by default - require explicit opt-in
	if os.Getenv("RUN_TEMPORAL_TESTS") == "" {
		t.Skip("Skipping Temporal integration test (set RUN_TEMPORAL_TESTS=1 to enable)")
	}

	return []string{
		"--temporal-host", getEnvOrDefault("TEST_TEMPORAL_HOST", "localhost:7233"),
		"--temporal-namespace", getEnvOrDefault("TEST_TEMPORAL_NAMESPACE", "default"),
		"--temporal-task-queue", "xrpgate-reconcile-test",
	}
}

func TestReconcileScheduleLifecycle(t *testing.T) {
	global := temporalTestArgs(t)
	run := func(args ...string) (string, error) {
		return runCLI(t, append(append([]string{}, global...), args...)...)
	}
	t.Cleanup(func() { run("temporal", "delete-schedule", "--force") })

	output, err := run("temporal", "upsert-schedule", "--interval", "1m", "--limit", "25")
	require.NoError(t, err)
	assert.Contains(t, output, "Schedule upserted")

	// Upserting again updates the existing schedule in place.
	_, err = run("temporal", "upsert-schedule", "--interval", "2m", "--limit", "25")
	require.NoError(t, err)

	output, err = run("--json", "temporal", "describe-schedule")
	require.NoError(t, err)
	var desc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &desc), output)
	assert.Equal(t, "2m0s", desc["interval"])
	assert.Equal(t, false, desc["paused"])

	_, err = run("temporal", "pause-schedule", "--note", "maintenance")
	require.NoError(t, err)

	output, err = run("--json", "temporal", "describe-schedule")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(output), &desc), output)
	assert.Equal(t, true, desc["paused"])
	assert.Equal(t, "maintenance", desc["note"])

	_, err = run("temporal", "resume-schedule")
	require.NoError(t, err)

	_, err = run("temporal", "delete-schedule", "--force")
	require.NoError(t, err)

	_, err = run("temporal", "describe-schedule")
	require.Error(t, err)
}

func TestAwaitPaymentCommand_RequiresIntent(t *testing.T) {
	_, err := runCLI(t, "temporal", "await-payment")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intent id is required")
}

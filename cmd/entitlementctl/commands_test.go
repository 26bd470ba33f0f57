package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

type fixedIdentity struct{}

func (fixedIdentity) Current(context.Context) (entitlement.DeviceFingerprint, error) {
	return entitlement.DeviceFingerprint{DeviceID: "dev-1", Hostname: "laptop", Platform: "linux"}, nil
}

func setupCLI(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	testChdir(t, t.TempDir())
	t.Setenv("ENTITLEMENTS_DATA_DIR", dir)
	t.Setenv("ENTITLEMENTS_STORE", "file")
	t.Setenv("ENTITLEMENTS_BILLING", "none")
	t.Setenv("ENTITLEMENTS_LOG_LEVEL", "disabled")
	t.Setenv("ENTITLEMENTS_TRIAL_AUTO_START", "true")

	prev := identityOverride
	identityOverride = fixedIdentity{}
	t.Cleanup(func() { identityOverride = prev })
	return dir
}

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--data-dir", dir}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version, BuildTime, GitCommit = "1.2.3", "2026-01-01", "abcdef"
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "entitlementctl 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")
}

func TestValidateStartsTrialOnce(t *testing.T) {
	dir := setupCLI(t)

	out, err := run(t, dir, "validate", "--json")
	require.NoError(t, err)

	var res entitlement.ValidationResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, entitlement.ModeTrial, res.Mode)
	require.NotNil(t, res.Entitlement)
	assert.Equal(t, entitlement.StatusTrial, res.Entitlement.Status)

	out, err = run(t, dir, "feature", entitlement.FeatureAISummaries)
	require.NoError(t, err)
	assert.Contains(t, out, "ai_summaries: available")

	out, err = run(t, dir, "trial")
	require.NoError(t, err)
	assert.Contains(t, out, "14 day(s) remaining")

	out, err = run(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "(not activated)")
	assert.Contains(t, out, "Devices:")

	_, err = run(t, dir, "signout")
	require.NoError(t, err)

	out, err = run(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No entitlement")

	out, err = run(t, dir, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "NOT valid")

	_, err = run(t, dir, "feature", entitlement.FeatureAISummaries)
	assert.ErrorIs(t, err, errFeatureUnavailable)

	out, err = run(t, dir, "feature", entitlement.FeatureTimeTracking)
	require.NoError(t, err)
	assert.Contains(t, out, "available")
}

func TestDevicesCommands(t *testing.T) {
	dir := setupCLI(t)

	_, err := run(t, dir, "devices", "activate")
	assert.ErrorIs(t, err, entitlement.ErrNoRecord)

	_, err = run(t, dir, "validate")
	require.NoError(t, err)

	out, err := run(t, dir, "devices", "activate", "dev-2", "--name", "desktop")
	require.NoError(t, err)
	assert.Contains(t, out, "Device dev-2 active (2/2)")

	_, err = run(t, dir, "devices", "activate", "dev-3")
	assert.ErrorIs(t, err, entitlement.ErrDeviceLimitReached)

	out, err = run(t, dir, "devices", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "dev-1 *")
	assert.Contains(t, out, "desktop")
	assert.Contains(t, out, "2 of 2 device slots in use")

	out, err = run(t, dir, "devices", "deactivate", "dev-2")
	require.NoError(t, err)
	assert.Contains(t, out, "(1/2)")

	_, err = run(t, dir, "devices", "deactivate", "dev-2")
	assert.ErrorIs(t, err, entitlement.ErrDeviceNotFound)

	out, err = run(t, dir, "devices", "list", "--json")
	require.NoError(t, err)
	var devices []entitlement.DeviceFingerprint
	require.NoError(t, json.Unmarshal([]byte(out), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].DeviceID)
}

func TestActivateWithoutProvider(t *testing.T) {
	dir := setupCLI(t)

	_, err := run(t, dir, "activate", "cus_123")
	assert.ErrorIs(t, err, entitlement.ErrNoProvider)
}

func TestInvalidConfigurationFails(t *testing.T) {
	dir := setupCLI(t)
	t.Setenv("ENTITLEMENTS_STORE", "tape")

	_, err := run(t, dir, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store backend")
}

// testChdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent to testing.T.Chdir from Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"STORE", "BILLING", "STRIPE_API_KEY", "STRIPE_WEBHOOK_SECRET", "LICENSE_SERVER_URL",
		"LICENSE_PUBLIC_KEY", "ONLINE_CHECK_INTERVAL", "OFFLINE_GRACE_PERIOD", "TRIAL_DAYS",
		"TRIAL_AUTO_START", "OFFLINE_MODE", "PROVIDER_TIMEOUT", "TRIAL_WARNING_DAYS",
		"DEVICE_NAME", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "WEBHOOK_ADDR", "METRICS_ADDR",
	} {
		t.Setenv(envPrefix+name, "")
		require.NoError(t, os.Unsetenv(envPrefix+name))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("ENTITLEMENTS_DATA_DIR", dir)
	testChdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, StoreFile, cfg.StoreBackend)
	assert.Equal(t, BillingNone, cfg.BillingBackend)
	assert.Equal(t, filepath.Join(dir, ".env"), cfg.EnvPath())
	assert.Equal(t, entitlement.DefaultOptions(), cfg.EntitlementOptions())
}

func TestLoadFromEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("ENTITLEMENTS_DATA_DIR", dir)
	testChdir(t, t.TempDir())

	envFile := `ENTITLEMENTS_STORE=SQLite
ENTITLEMENTS_BILLING=stripe
ENTITLEMENTS_STRIPE_API_KEY=sk_test_abc
ENTITLEMENTS_ONLINE_CHECK_INTERVAL=6h
ENTITLEMENTS_OFFLINE_GRACE_PERIOD=3d
ENTITLEMENTS_TRIAL_DAYS=30
ENTITLEMENTS_TRIAL_AUTO_START=false
ENTITLEMENTS_PROVIDER_TIMEOUT=bogus
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(envFile), 0o600))

	// Process environment wins over the file.
	t.Setenv("ENTITLEMENTS_TRIAL_DAYS", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, cfg.StoreBackend)
	assert.Equal(t, BillingStripe, cfg.BillingBackend)
	assert.Equal(t, "sk_test_abc", cfg.StripeAPIKey)

	opts := cfg.EntitlementOptions()
	assert.Equal(t, 6*time.Hour, opts.OnlineCheckInterval)
	assert.Equal(t, 72*time.Hour, opts.OfflineGracePeriod)
	assert.Equal(t, 10*24*time.Hour, opts.TrialDuration)
	assert.False(t, opts.TrialAutoStartEnabled)
	assert.True(t, opts.OfflineModeEnabled)
	assert.Equal(t, entitlement.DefaultProviderTimeout, opts.ProviderTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad store", func(c *Config) { c.StoreBackend = "redis" }, false},
		{"stripe without key", func(c *Config) { c.BillingBackend = BillingStripe }, false},
		{"stripe with key", func(c *Config) { c.BillingBackend = BillingStripe; c.StripeAPIKey = "sk" }, true},
		{"license server without url", func(c *Config) { c.BillingBackend = BillingLicenseServer }, false},
		{"unknown billing", func(c *Config) { c.BillingBackend = "paypal" }, false},
		{"interval too short", func(c *Config) { c.OnlineCheckInterval = time.Second }, false},
		{"warning disabled", func(c *Config) { c.TrialWarningDays = 0 }, true},
		{"negative warning days", func(c *Config) { c.TrialWarningDays = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestReloadPrefersFileValues(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("ENTITLEMENTS_OFFLINE_MODE", "true")

	cfg := Default(dir)
	require.NoError(t, os.WriteFile(cfg.EnvPath(), []byte("ENTITLEMENTS_OFFLINE_MODE=false\nENTITLEMENTS_ONLINE_CHECK_INTERVAL=2h\n"), 0o600))

	next, err := cfg.Reload()
	require.NoError(t, err)
	assert.False(t, next.OfflineMode)
	assert.Equal(t, 2*time.Hour, next.OnlineCheckInterval)
}

func TestReloadMissingFileUsesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTITLEMENTS_TRIAL_WARNING_DAYS", "5")

	next, err := Default(t.TempDir()).Reload()
	require.NoError(t, err)
	assert.Equal(t, 5, next.TrialWarningDays)
}

func TestReloadRejectsInvalidFile(t *testing.T) {
	clearEnv(t)
	cfg := Default(t.TempDir())
	require.NoError(t, os.WriteFile(cfg.EnvPath(), []byte("ENTITLEMENTS_STORE=tape\n"), 0o600))

	_, err := cfg.Reload()
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	d, err = parseDuration(" 90m ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("xd")
	assert.Error(t, err)
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

// Package config loads entitlement service settings from .env files and
// ENTITLEMENTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

const envPrefix = "ENTITLEMENTS_"

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Billing backends.
const (
	BillingNone          = "none"
	BillingStripe        = "stripe"
	BillingLicenseServer = "license_server"
)

// Config holds service settings.
type Config struct {
	DataDir string

	StoreBackend   string
	BillingBackend string

	StripeAPIKey        string
	StripeWebhookSecret string

	LicenseServerURL       string
	LicenseServerPublicKey string

	OnlineCheckInterval time.Duration
	OfflineGracePeriod  time.Duration
	TrialDurationDays   int
	TrialAutoStart      bool
	OfflineMode         bool
	ProviderTimeout     time.Duration
	TrialWarningDays    int

	DeviceName string

	LogLevel  string
	LogFormat string
	LogFile   string

	WebhookListenAddr string
	MetricsListenAddr string
}

// Default returns the shipping configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:             dataDir,
		StoreBackend:        StoreFile,
		BillingBackend:      BillingNone,
		OnlineCheckInterval: entitlement.DefaultOnlineCheckInterval,
		OfflineGracePeriod:  entitlement.DefaultOfflineGracePeriod,
		TrialDurationDays:   int(entitlement.DefaultTrialDuration / (24 * time.Hour)),
		TrialAutoStart:      true,
		OfflineMode:         true,
		ProviderTimeout:     entitlement.DefaultProviderTimeout,
		TrialWarningDays:    entitlement.DefaultTrialWarningDays,
		LogLevel:            "info",
		LogFormat:           "auto",
		WebhookListenAddr:   "127.0.0.1:8085",
		MetricsListenAddr:   "127.0.0.1:9095",
	}
}

// DefaultDataDir is ENTITLEMENTS_DATA_DIR or ~/.config/timelog.
func DefaultDataDir() string {
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "timelog")
	}
	return filepath.Join(home, ".config", "timelog")
}

// EnvPath is the .env file inside the data directory.
func (c *Config) EnvPath() string {
	return filepath.Join(c.DataDir, ".env")
}

// Load reads <dataDir>/.env, then ./.env, then the process environment.
// Variables already set in the environment win over .env files.
func Load() (*Config, error) {
	dataDir := DefaultDataDir()

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Debug().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded configuration from .env in current directory")
	}

	cfg := Default(dataDir)
	cfg.apply(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the .env file in c's data directory. Values in the file
// take precedence over the process environment so that edits take effect.
func (c *Config) Reload() (*Config, error) {
	fileVars, err := godotenv.Read(c.EnvPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", c.EnvPath(), err)
	}

	next := Default(c.DataDir)
	next.apply(func(key string) (string, bool) {
		if v, ok := fileVars[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	})
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *Config) apply(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil || d <= 0 {
			log.Warn().Str("var", envPrefix+name).Str("value", v).Msg("Ignoring invalid duration")
			return
		}
		*dst = d
	}
	num := func(name string, dst *int) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			log.Warn().Str("var", envPrefix+name).Str("value", v).Msg("Ignoring invalid number")
			return
		}
		*dst = n
	}
	flag := func(name string, dst *bool) {
		v, ok := lookup(envPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			log.Warn().Str("var", envPrefix+name).Str("value", v).Msg("Ignoring invalid boolean")
			return
		}
		*dst = b
	}

	str("STORE", &c.StoreBackend)
	str("BILLING", &c.BillingBackend)
	str("STRIPE_API_KEY", &c.StripeAPIKey)
	str("STRIPE_WEBHOOK_SECRET", &c.StripeWebhookSecret)
	str("LICENSE_SERVER_URL", &c.LicenseServerURL)
	str("LICENSE_PUBLIC_KEY", &c.LicenseServerPublicKey)
	dur("ONLINE_CHECK_INTERVAL", &c.OnlineCheckInterval)
	dur("OFFLINE_GRACE_PERIOD", &c.OfflineGracePeriod)
	num("TRIAL_DAYS", &c.TrialDurationDays)
	flag("TRIAL_AUTO_START", &c.TrialAutoStart)
	flag("OFFLINE_MODE", &c.OfflineMode)
	dur("PROVIDER_TIMEOUT", &c.ProviderTimeout)
	num("TRIAL_WARNING_DAYS", &c.TrialWarningDays)
	str("DEVICE_NAME", &c.DeviceName)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)
	str("WEBHOOK_ADDR", &c.WebhookListenAddr)
	str("METRICS_ADDR", &c.MetricsListenAddr)

	c.StoreBackend = strings.ToLower(c.StoreBackend)
	c.BillingBackend = strings.ToLower(c.BillingBackend)
}

// parseDuration accepts Go durations plus a "d" suffix for days.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if strings.HasSuffix(v, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(v, "d"), 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(v)
}

// Validate checks backend selections and their required settings.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("invalid store backend %q (want %s or %s)", c.StoreBackend, StoreFile, StoreSQLite)
	}

	switch c.BillingBackend {
	case BillingNone:
	case BillingStripe:
		if c.StripeAPIKey == "" {
			return fmt.Errorf("%sSTRIPE_API_KEY is required for the stripe billing backend", envPrefix)
		}
	case BillingLicenseServer:
		if c.LicenseServerURL == "" {
			return fmt.Errorf("%sLICENSE_SERVER_URL is required for the license_server billing backend", envPrefix)
		}
	default:
		return fmt.Errorf("invalid billing backend %q", c.BillingBackend)
	}

	if c.OnlineCheckInterval < time.Minute {
		return fmt.Errorf("online check interval must be at least 1 minute")
	}
	if c.TrialWarningDays < 0 {
		return fmt.Errorf("trial warning days must not be negative")
	}
	return nil
}

// EntitlementOptions converts the policy settings for the Validator.
func (c *Config) EntitlementOptions() entitlement.Options {
	return entitlement.Options{
		OnlineCheckInterval:   c.OnlineCheckInterval,
		OfflineGracePeriod:    c.OfflineGracePeriod,
		TrialDuration:         time.Duration(c.TrialDurationDays) * 24 * time.Hour,
		TrialAutoStartEnabled: c.TrialAutoStart,
		OfflineModeEnabled:    c.OfflineMode,
		ProviderTimeout:       c.ProviderTimeout,
		TrialWarningDays:      c.TrialWarningDays,
	}
}

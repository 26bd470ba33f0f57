package entitlement

import "time"

const (
	// DefaultOnlineCheckInterval is how long a cached record is trusted
	// before the provider is asked again.
	DefaultOnlineCheckInterval = 24 * time.Hour

	// DefaultOfflineGracePeriod is how long premium access survives failing
	// to reach the provider, measured from the last successful validation.
	DefaultOfflineGracePeriod = 7 * 24 * time.Hour

	// DefaultProviderTimeout bounds a single provider call.
	DefaultProviderTimeout = 5 * time.Second
)

// Options tunes validation policy.
type Options struct {
	OnlineCheckInterval   time.Duration
	OfflineGracePeriod    time.Duration
	TrialDuration         time.Duration
	TrialAutoStartEnabled bool
	OfflineModeEnabled    bool
	ProviderTimeout       time.Duration
	TrialWarningDays      int
}

// DefaultOptions returns the shipping policy.
func DefaultOptions() Options {
	return Options{
		OnlineCheckInterval:   DefaultOnlineCheckInterval,
		OfflineGracePeriod:    DefaultOfflineGracePeriod,
		TrialDuration:         DefaultTrialDuration,
		TrialAutoStartEnabled: true,
		OfflineModeEnabled:    true,
		ProviderTimeout:       DefaultProviderTimeout,
		TrialWarningDays:      DefaultTrialWarningDays,
	}
}

// withDefaults fills zero durations. Boolean flags are taken as given, and a
// TrialWarningDays of 0 turns the ending-soon warning off.
func (o Options) withDefaults() Options {
	if o.OnlineCheckInterval <= 0 {
		o.OnlineCheckInterval = DefaultOnlineCheckInterval
	}
	if o.OfflineGracePeriod <= 0 {
		o.OfflineGracePeriod = DefaultOfflineGracePeriod
	}
	if o.TrialDuration <= 0 {
		o.TrialDuration = DefaultTrialDuration
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = DefaultProviderTimeout
	}
	if o.TrialWarningDays < 0 {
		o.TrialWarningDays = 0
	}
	return o
}

package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/entitlements/internal/billing/licenseserver"
	"github.com/rcourtman/entitlements/internal/billing/stripe"
	"github.com/rcourtman/entitlements/internal/config"
	"github.com/rcourtman/entitlements/internal/device"
	"github.com/rcourtman/entitlements/internal/store"
	"github.com/rcourtman/entitlements/pkg/entitlement"
)

// app wires the validator to its configured store, identity and provider.
type app struct {
	cfg       *config.Config
	store     store.Durable
	identity  entitlement.DeviceIdentity
	provider  entitlement.BillingProvider
	validator *entitlement.Validator
}

// identityOverride replaces host fingerprinting in tests.
var identityOverride entitlement.DeviceIdentity

func newApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}

	identity := identityOverride
	if identity == nil {
		identity = device.NewIdentity(device.NewDefaultCollector(), cfg.DeviceName)
	}

	provider, err := newProvider(cfg, identity)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	v, err := entitlement.NewValidator(entitlement.Config{
		Store:    st,
		Provider: provider,
		Identity: identity,
		Options:  cfg.EntitlementOptions(),
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		store:     st,
		identity:  identity,
		provider:  provider,
		validator: v,
	}, nil
}

func newProvider(cfg *config.Config, identity entitlement.DeviceIdentity) (entitlement.BillingProvider, error) {
	switch cfg.BillingBackend {
	case config.BillingStripe:
		return stripe.NewProvider(cfg.StripeAPIKey), nil
	case config.BillingLicenseServer:
		lsCfg := licenseserver.Config{
			BaseURL:  cfg.LicenseServerURL,
			Identity: identity,
			Timeout:  cfg.ProviderTimeout,
		}
		if cfg.LicenseServerPublicKey != "" {
			key, err := licenseserver.DecodePublicKey(cfg.LicenseServerPublicKey)
			if err != nil {
				return nil, err
			}
			lsCfg.PublicKey = key
		}
		p, err := licenseserver.NewProvider(lsCfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		log.Debug().Msg("No billing provider configured; running local-only")
		return nil, nil
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close entitlement store")
	}
}

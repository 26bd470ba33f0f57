package entitlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/rcourtman/entitlements/internal/errors"
	"github.com/rcourtman/entitlements/internal/logging"
)

// Config wires a Validator to its collaborators.
type Config struct {
	Store    Store
	Provider BillingProvider
	Identity DeviceIdentity

	// Bus receives lifecycle events. A new bus is created when nil.
	Bus *EventBus

	// Options is taken as given; start from DefaultOptions.
	Options Options

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Validator decides whether the installation is entitled to premium
// features. All read-modify-write sequences on the store are serialized.
type Validator struct {
	mu sync.Mutex
	// pending holds events raised under mu; unlock publishes them.
	pending []Event

	store    Store
	provider BillingProvider
	identity DeviceIdentity
	bus      *EventBus
	nowFn    func() time.Time

	optsMu sync.RWMutex
	opts   Options
}

// NewValidator builds a Validator from cfg.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Store == nil {
		return nil, errors.New("entitlement store is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("device identity is required")
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewEventBus()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Validator{
		store:    cfg.Store,
		provider: cfg.Provider,
		identity: cfg.Identity,
		bus:      bus,
		nowFn:    nowFn,
		opts:     cfg.Options.withDefaults(),
	}, nil
}

// Options returns the active policy.
func (v *Validator) Options() Options {
	v.optsMu.RLock()
	defer v.optsMu.RUnlock()
	return v.opts
}

// SetOptions replaces the policy; it takes effect on the next call.
func (v *Validator) SetOptions(o Options) {
	v.optsMu.Lock()
	defer v.optsMu.Unlock()
	v.opts = o.withDefaults()
}

// Subscribe registers a listener for lifecycle events.
func (v *Validator) Subscribe(l Listener) string {
	return v.bus.Subscribe(l)
}

// Unsubscribe removes a listener registered with Subscribe.
func (v *Validator) Unsubscribe(id string) bool {
	return v.bus.Unsubscribe(id)
}

// ProviderName returns the configured provider's name, or "none".
func (v *Validator) ProviderName() string {
	if v.provider == nil {
		return "none"
	}
	return v.provider.Name()
}

// Validate resolves the current entitlement. It never returns an error or
// panics; failures are reported through the result.
func (v *Validator) Validate(ctx context.Context) (result ValidationResult) {
	ctx, _ = logging.WithRequestID(ctx, logging.RequestID(ctx))
	logger := logging.FromContext(ctx)

	v.mu.Lock()
	defer v.unlock()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("entitlement validation panicked: %v", r)
			logger.Error().Err(err).Msg("Entitlement validation aborted")
			v.emit(EventValidationFailure, nil, map[string]string{"error": err.Error()})
			result = failedResult(nil, err)
		}
	}()

	return v.validateLocked(ctx, logger)
}

func (v *Validator) validateLocked(ctx context.Context, logger zerolog.Logger) ValidationResult {
	now := v.nowFn()
	opts := v.Options()

	cached, err := v.load(ctx, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load cached entitlement")
		v.emit(EventValidationFailure, nil, map[string]string{"error": err.Error()})
		return failedResult(nil, err)
	}

	if cached == nil {
		return v.startLocked(ctx, logger, now, opts)
	}

	if fp, err := v.identity.Current(ctx); err != nil {
		logger.Debug().Err(err).Msg("Device identity unavailable; skipping last-seen refresh")
	} else {
		TouchDevice(cached, fp.DeviceID, now)
	}

	cacheAge := now.Sub(cached.LastValidated)
	isFresh := cacheAge >= 0 && cacheAge < opts.OnlineCheckInterval
	statusValid := IsStatusValid(cached, now)

	logger.Debug().
		Str("status", string(cached.Status)).
		Dur("cache_age", cacheAge).
		Bool("fresh", isFresh).
		Bool("status_valid", statusValid).
		Msg("Evaluating cached entitlement")

	if isFresh && statusValid {
		result := ValidationResult{Valid: true, Mode: ModeCached}
		if err := v.persist(ctx, cached, now); err != nil {
			logger.Warn().Err(err).Msg("Failed to record device last-seen time")
			result.Warning = storageWarning(err)
		}
		result.Entitlement = cached.Clone()
		v.emit(EventValidationSuccess, cached, map[string]string{"mode": string(ModeCached)})
		return result
	}

	if cached.SubjectID == "" {
		return v.unboundLocked(ctx, logger, cached, now)
	}

	grant, err := v.fetchGrant(ctx, cached.SubjectID, opts)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("provider", v.ProviderName()).
			Str("error_type", string(apperrors.TypeOf(err))).
			Msg("Online entitlement revalidation failed")
		if opts.OfflineModeEnabled {
			return v.offlineLocked(ctx, logger, cached, err, now, opts)
		}
		v.emit(EventValidationFailure, cached, map[string]string{"error": err.Error()})
		return failedResult(cached.Clone(), err)
	}

	if grant == nil {
		return v.noGrantLocked(ctx, logger, cached, now)
	}
	return v.applyGrantLocked(ctx, logger, cached, grant, now, opts, ModeOnline)
}

// startLocked handles the first run: mint a trial when allowed, otherwise
// hand back an unpersisted free record.
func (v *Validator) startLocked(ctx context.Context, logger zerolog.Logger, now time.Time, opts Options) ValidationResult {
	fp, err := v.identity.Current(ctx)
	if err != nil {
		err = fmt.Errorf("collect device identity: %w", err)
		v.emit(EventValidationFailure, nil, map[string]string{"error": err.Error()})
		return failedResult(nil, err)
	}

	decision := EvaluateTrialStartEligibility(opts.TrialAutoStartEnabled, v.trialUsed(ctx, logger))
	if !decision.Allowed {
		logger.Debug().Str("reason", string(decision.Reason)).Msg("Trial not started")
		free := NewFreeEntitlement(fp.DeviceID, now)
		v.emit(EventValidationSuccess, free, map[string]string{
			"mode":   string(ModeFree),
			"reason": string(decision.Reason),
		})
		return ValidationResult{Valid: false, Entitlement: free, Mode: ModeFree}
	}

	trial := NewTrialEntitlement(fp, now, opts.TrialDuration)
	result := ValidationResult{Valid: true, Mode: ModeTrial}
	if err := v.store.Put(ctx, trial); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist trial entitlement")
		result.Warning = storageWarning(err)
	}
	if ledger, ok := v.store.(TrialLedger); ok {
		if err := ledger.MarkTrialUsed(ctx, now); err != nil {
			logger.Warn().Err(err).Msg("Failed to record trial start")
		}
	}
	result.Entitlement = trial.Clone()

	logger.Info().
		Str("device_id", trial.DeviceID).
		Time("trial_ends_at", *trial.TrialEndsAt).
		Msg("Trial started")
	v.emit(EventTrialStarted, trial, map[string]string{
		"trial_ends_at": trial.TrialEndsAt.UTC().Format(time.RFC3339),
	})
	return result
}

// unboundLocked resolves a record that has never been bound to a billing
// subject. There is no one to ask, so only the local trial window matters.
func (v *Validator) unboundLocked(ctx context.Context, logger zerolog.Logger, cached *Entitlement, now time.Time) ValidationResult {
	if IsTrial(cached) && TrialTimeRemaining(cached, now) > 0 {
		result := ValidationResult{Valid: IsStatusValid(cached, now), Mode: ModeTrial}
		if !result.Valid {
			result.Error = DeviceLimitExceededMessage(len(cached.Devices), cached.MaxDevices)
			result.Err = ErrDeviceLimitReached
		}
		if err := v.persist(ctx, cached, now); err != nil {
			result.Warning = storageWarning(err)
		}
		result.Entitlement = cached.Clone()
		v.emit(EventValidationSuccess, cached, map[string]string{"mode": string(ModeTrial)})
		return result
	}

	previous := cached.Status
	downgradeToFree(cached)
	result := ValidationResult{Valid: false, Mode: ModeFree}
	if err := v.persist(ctx, cached, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist free entitlement")
		result.Warning = storageWarning(err)
	}
	result.Entitlement = cached.Clone()

	if previous != cached.Status {
		logger.Info().Str("from", string(previous)).Msg("Trial ended; reverted to free plan")
		v.emit(EventPlanChanged, cached, map[string]string{
			"previous_status": string(previous),
			"reason":          "trial_expired",
		})
	} else {
		v.emit(EventValidationSuccess, cached, map[string]string{"mode": string(ModeFree)})
	}
	return result
}

// noGrantLocked handles a successful provider call that found nothing.
func (v *Validator) noGrantLocked(ctx context.Context, logger zerolog.Logger, cached *Entitlement, now time.Time) ValidationResult {
	advanceLastValidated(cached, now)
	cached.ValidatedOffline = false
	delete(cached.Metadata, MetaOfflineGraceEnds)
	delete(cached.Metadata, MetaOfflineLockedAt)

	if IsTrial(cached) && TrialTimeRemaining(cached, now) > 0 {
		result := ValidationResult{Valid: IsStatusValid(cached, now), Mode: ModeTrial}
		if err := v.persist(ctx, cached, now); err != nil {
			result.Warning = storageWarning(err)
		}
		result.Entitlement = cached.Clone()
		v.emit(EventValidationSuccess, cached, map[string]string{"mode": string(ModeTrial)})
		return result
	}

	previous, previousPlan := cached.Status, cached.PlanID
	downgradeToFree(cached)
	result := ValidationResult{Valid: false, Mode: ModeOnline}
	if err := v.persist(ctx, cached, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist free entitlement")
		result.Warning = storageWarning(err)
	}
	result.Entitlement = cached.Clone()

	if previous != cached.Status || previousPlan != cached.PlanID {
		logger.Info().
			Str("from", string(previous)).
			Str("subject_id", cached.SubjectID).
			Msg("No active grant found; reverted to free plan")
		v.emit(EventPlanChanged, cached, map[string]string{
			"previous_status": string(previous),
			"previous_plan":   string(previousPlan),
			"reason":          "no_active_grant",
		})
	} else {
		v.emit(EventValidationSuccess, cached, map[string]string{"mode": string(ModeOnline)})
	}
	return result
}

// applyGrantLocked merges a provider grant into the cached record and
// persists it.
func (v *Validator) applyGrantLocked(ctx context.Context, logger zerolog.Logger, cached *Entitlement, grant *RemoteGrant, now time.Time, opts Options, mode Mode) ValidationResult {
	previous, previousPlan := cached.Status, cached.PlanID
	e := mergeGrant(cached, grant, now, opts, v.ProviderName())

	if !CanTransition(previous, e.Status) {
		logger.Warn().
			Str("from", string(previous)).
			Str("to", string(e.Status)).
			Str("provider_status", grant.ProviderStatus).
			Interface("expected", ValidTransitionsFrom(previous)).
			Msg("Unexpected entitlement status transition")
	}

	result := ValidationResult{
		Valid: IsPremiumStatus(e.Status) && !ExceedsDeviceLimit(e),
		Mode:  mode,
	}
	if IsPremiumStatus(e.Status) && ExceedsDeviceLimit(e) {
		result.Error = DeviceLimitExceededMessage(len(e.Devices), e.MaxDevices)
		result.Err = &DeviceLimitError{DeviceID: e.DeviceID, Current: len(e.Devices), Limit: e.MaxDevices}
	}
	if err := v.persist(ctx, e, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist revalidated entitlement")
		result.Warning = storageWarning(err)
	}
	result.Entitlement = e.Clone()

	meta := map[string]string{"mode": string(mode)}
	if grant.EventID != "" {
		meta["event_id"] = grant.EventID
	}
	switch {
	case e.Status == StatusGracePeriod && previous != StatusGracePeriod:
		if e.GracePeriodEndsAt != nil {
			meta["grace_period_ends_at"] = e.GracePeriodEndsAt.UTC().Format(time.RFC3339)
		}
		v.emit(EventGracePeriodStarted, e, meta)
	case e.Status != previous || e.PlanID != previousPlan:
		meta["previous_status"] = string(previous)
		meta["previous_plan"] = string(previousPlan)
		v.emit(EventPlanChanged, e, meta)
	default:
		v.emit(EventValidationSuccess, e, meta)
	}
	return result
}

// offlineLocked applies the offline grace policy after a failed provider call.
func (v *Validator) offlineLocked(ctx context.Context, logger zerolog.Logger, cached *Entitlement, cause error, now time.Time, opts Options) ValidationResult {
	offlineAge := now.Sub(cached.LastValidated)
	graceEnds := cached.LastValidated.Add(opts.OfflineGracePeriod)

	if offlineAge >= opts.OfflineGracePeriod {
		err := fmt.Errorf("%w: reconnect to the internet to verify your entitlement", ErrOfflineGraceExpired)
		logger.Warn().
			Time("last_validated", cached.LastValidated).
			Dur("offline_age", offlineAge).
			Msg("Offline grace period expired; premium features locked")
		if _, locked := cached.Metadata[MetaOfflineLockedAt]; !locked {
			if cached.Metadata == nil {
				cached.Metadata = make(map[string]string)
			}
			cached.Metadata[MetaOfflineLockedAt] = now.UTC().Format(time.RFC3339)
			if err := v.persist(ctx, cached, now); err != nil {
				logger.Warn().Err(err).Msg("Failed to record offline lock")
			}
			v.emit(EventOfflineGracePeriodExpired, cached, map[string]string{
				"offline_grace_ends_at": graceEnds.UTC().Format(time.RFC3339),
			})
		}
		v.emit(EventSoftLockTriggered, cached, map[string]string{
			"reason":                "offline_grace_expired",
			"offline_grace_ends_at": graceEnds.UTC().Format(time.RFC3339),
			"error":                 cause.Error(),
		})
		return ValidationResult{
			Valid:              false,
			Entitlement:        cached.Clone(),
			Mode:               ModeOfflineExpired,
			Error:              err.Error(),
			Err:                err,
			OfflineGraceEndsAt: &graceEnds,
		}
	}

	graceStarted := !cached.ValidatedOffline
	cached.ValidatedOffline = true
	if cached.Metadata == nil {
		cached.Metadata = make(map[string]string)
	}
	cached.Metadata[MetaOfflineGraceEnds] = graceEnds.UTC().Format(time.RFC3339)

	result := ValidationResult{
		Valid:              IsStatusValid(cached, now),
		Mode:               ModeOffline,
		OfflineGraceEndsAt: &graceEnds,
	}
	warnings := []string{fmt.Sprintf("Working offline; %s of offline access remaining.", humanizeDuration(graceEnds.Sub(now)))}
	if err := v.persist(ctx, cached, now); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist offline flag")
		warnings = append(warnings, storageWarning(err))
	}
	result.Warning = strings.Join(warnings, " ")
	result.Entitlement = cached.Clone()

	logger.Info().
		Time("offline_grace_ends_at", graceEnds).
		Bool("valid", result.Valid).
		Msg("Entitlement accepted offline")
	if graceStarted {
		v.emit(EventOfflineGracePeriodStarted, cached, map[string]string{
			"offline_grace_ends_at": graceEnds.UTC().Format(time.RFC3339),
		})
	}
	v.emit(EventOfflineModeEntered, cached, map[string]string{
		"offline_grace_ends_at": graceEnds.UTC().Format(time.RFC3339),
		"error":                 cause.Error(),
	})
	return result
}

// HasFeature validates and reports whether the named feature is granted.
func (v *Validator) HasFeature(ctx context.Context, name string) bool {
	return v.Validate(ctx).HasFeature(name)
}

// Current returns the cached record without validating it, or nil when none
// exists.
func (v *Validator) Current(ctx context.Context) (*Entitlement, error) {
	v.mu.Lock()
	defer v.unlock()
	return v.load(ctx, logging.FromContext(ctx))
}

// TrialDaysRemaining returns the whole days left in the cached trial.
func (v *Validator) TrialDaysRemaining(ctx context.Context) int {
	e, err := v.Current(ctx)
	if err != nil {
		return 0
	}
	return DaysRemaining(e, v.nowFn())
}

// IsTrialEndingSoon reports whether the cached trial is within the warning
// window.
func (v *Validator) IsTrialEndingSoon(ctx context.Context) bool {
	e, err := v.Current(ctx)
	if err != nil {
		return false
	}
	return IsEndingSoon(e, v.nowFn(), v.Options().TrialWarningDays)
}

// ActivateDevice adds fp to the cached entitlement. Activating a known device
// only refreshes its last-seen time.
func (v *Validator) ActivateDevice(ctx context.Context, fp DeviceFingerprint) (*Entitlement, error) {
	if strings.TrimSpace(fp.DeviceID) == "" {
		return nil, fmt.Errorf("%w: device fingerprint has no id", ErrInvalidRecord)
	}
	logger := logging.FromContext(ctx)

	v.mu.Lock()
	defer v.unlock()

	e, err := v.loadRequired(ctx, logger)
	if err != nil {
		return nil, err
	}

	now := v.nowFn()
	added, err := AddDevice(e, fp, now)
	if err != nil {
		logger.Info().Err(err).Str("device_id", fp.DeviceID).Msg("Device activation refused")
		return nil, err
	}

	if err := v.persist(ctx, e, now); err != nil {
		if !added {
			logger.Warn().Err(err).Msg("Failed to record device last-seen time")
			return e.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if added {
		logger.Info().
			Str("device_id", fp.DeviceID).
			Int("devices", len(e.Devices)).
			Int("max_devices", e.MaxDevices).
			Msg("Device activated")
		v.emitForDevice(EventDeviceActivated, e, fp.DeviceID, map[string]string{
			"hostname": fp.Hostname,
			"platform": fp.Platform,
		})
	}
	return e.Clone(), nil
}

// DeactivateDevice removes deviceID from the cached entitlement. Removing an
// unknown id fails with ErrDeviceNotFound.
func (v *Validator) DeactivateDevice(ctx context.Context, deviceID string) (*Entitlement, error) {
	logger := logging.FromContext(ctx)

	v.mu.Lock()
	defer v.unlock()

	e, err := v.loadRequired(ctx, logger)
	if err != nil {
		return nil, err
	}
	if err := RemoveDevice(e, deviceID); err != nil {
		return nil, err
	}

	now := v.nowFn()
	if err := v.persist(ctx, e, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	logger.Info().Str("device_id", deviceID).Int("devices", len(e.Devices)).Msg("Device deactivated")
	v.emitForDevice(EventDeviceDeactivated, e, strings.TrimSpace(deviceID), nil)
	return e.Clone(), nil
}

// Activate binds the installation to subjectID (a license key or billing
// customer id), validates it online and registers the current device.
// Unlike Validate it fails loudly.
func (v *Validator) Activate(ctx context.Context, subjectID string) (ValidationResult, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return ValidationResult{}, ErrNoSubject
	}
	ctx, _ = logging.WithRequestID(ctx, logging.RequestID(ctx))
	logger := logging.FromContext(ctx)

	v.mu.Lock()
	defer v.unlock()

	now := v.nowFn()
	opts := v.Options()

	fp, err := v.identity.Current(ctx)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("collect device identity: %w", err)
	}

	grant, err := v.fetchGrant(ctx, subjectID, opts)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("activate %s: %w", v.ProviderName(), err)
	}
	if grant == nil {
		return ValidationResult{}, ErrNoActiveGrant
	}

	base, err := v.load(ctx, logger)
	if err != nil {
		return ValidationResult{}, err
	}
	if base == nil {
		base = NewFreeEntitlement(fp.DeviceID, now)
	}
	if base.SubjectID != "" && base.SubjectID != subjectID {
		// Rebinding to another subject starts a fresh device list.
		base.Devices = []DeviceFingerprint{}
	}
	base.SubjectID = subjectID
	base.DeviceID = fp.DeviceID
	if grant.SubjectID == "" {
		grant.SubjectID = subjectID
	}

	e := mergeGrant(base, grant, now, opts, v.ProviderName())
	if _, err := AddDevice(e, fp, now); err != nil {
		return ValidationResult{}, err
	}

	result := ValidationResult{
		Valid: IsPremiumStatus(e.Status) && !ExceedsDeviceLimit(e),
		Mode:  ModeOnline,
	}
	if err := v.persist(ctx, e, now); err != nil {
		return ValidationResult{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	result.Entitlement = e.Clone()

	logger.Info().
		Str("subject_id", subjectID).
		Str("status", string(e.Status)).
		Str("plan", string(e.PlanID)).
		Msg("Entitlement activated")
	v.emit(EventPlanChanged, e, map[string]string{
		"mode":   string(ModeOnline),
		"reason": "activated",
	})
	return result, nil
}

// ApplyGrant merges a grant pushed by the billing provider (for example a
// webhook) into a record already bound to a subject. Grants carrying an
// already-applied EventID are ignored.
func (v *Validator) ApplyGrant(ctx context.Context, grant *RemoteGrant) (ValidationResult, error) {
	if grant == nil {
		return ValidationResult{}, fmt.Errorf("%w: nil grant", ErrInvalidRecord)
	}
	logger := logging.FromContext(ctx)

	v.mu.Lock()
	defer v.unlock()

	cached, err := v.load(ctx, logger)
	if err != nil {
		return ValidationResult{}, err
	}
	if cached == nil {
		return ValidationResult{}, ErrNoRecord
	}
	if cached.SubjectID == "" {
		return ValidationResult{}, ErrNoSubject
	}
	if grant.SubjectID != "" && cached.SubjectID != grant.SubjectID {
		return ValidationResult{}, ErrSubjectMismatch
	}

	now := v.nowFn()
	if staleWebhookGrant(cached, grant) {
		logger.Debug().
			Str("event_id", grant.EventID).
			Time("event_created", grant.EventCreated).
			Msg("Ignoring replayed or out-of-order grant")
		return ValidationResult{
			Valid:       IsStatusValid(cached, now),
			Entitlement: cached.Clone(),
			Mode:        ModeOnline,
		}, nil
	}

	result := v.applyGrantLocked(ctx, logger, cached, grant, now, v.Options(), ModeOnline)
	return result, nil
}

// SignOut deletes the cached record. A used trial stays used.
func (v *Validator) SignOut(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	v.mu.Lock()
	defer v.unlock()

	cached, err := v.load(ctx, logger)
	if err != nil {
		logger.Debug().Err(err).Msg("Signing out with unreadable record")
	}
	if err := v.store.Delete(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	deviceID := ""
	if cached != nil {
		deviceID = cached.DeviceID
	}
	logger.Info().Str("device_id", deviceID).Msg("Signed out of entitlement")
	v.emitForDevice(EventSignedOut, nil, deviceID, nil)
	return nil
}

// load reads and sanity-checks the cached record. Undecodable or
// structurally invalid records are treated as absent.
func (v *Validator) load(ctx context.Context, logger zerolog.Logger) (*Entitlement, error) {
	e, err := v.store.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidRecord) {
			logger.Warn().Err(err).Msg("Discarding unreadable entitlement record")
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if e == nil {
		return nil, nil
	}
	if err := e.Validate(); err != nil {
		logger.Warn().Err(err).Msg("Discarding invalid entitlement record")
		return nil, nil
	}
	e.Normalize()
	return e, nil
}

func (v *Validator) loadRequired(ctx context.Context, logger zerolog.Logger) (*Entitlement, error) {
	e, err := v.load(ctx, logger)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrNoRecord
	}
	return e, nil
}

func (v *Validator) persist(ctx context.Context, e *Entitlement, now time.Time) error {
	e.UpdatedAt = now
	e.Normalize()
	if err := v.store.Put(ctx, e); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (v *Validator) fetchGrant(ctx context.Context, subjectID string, opts Options) (*RemoteGrant, error) {
	if v.provider == nil {
		return nil, ErrNoProvider
	}
	callCtx, cancel := context.WithTimeout(ctx, opts.ProviderTimeout)
	defer cancel()

	grant, err := v.provider.FetchGrant(callCtx, subjectID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return grant, nil
}

func (v *Validator) trialUsed(ctx context.Context, logger zerolog.Logger) bool {
	ledger, ok := v.store.(TrialLedger)
	if !ok {
		return false
	}
	used, err := ledger.TrialUsed(ctx)
	if err != nil {
		// Without a readable ledger the trial cannot be proven unused.
		logger.Warn().Err(err).Msg("Failed to read trial ledger")
		return true
	}
	return used
}

func (v *Validator) emit(t EventType, e *Entitlement, meta map[string]string) {
	deviceID := ""
	if e != nil {
		deviceID = e.DeviceID
	}
	v.emitForDevice(t, e, deviceID, meta)
}

func (v *Validator) emitForDevice(t EventType, e *Entitlement, deviceID string, meta map[string]string) {
	status := StatusNone
	if e != nil {
		status = e.Status
	}
	v.pending = append(v.pending, Event{
		Type:            t,
		Timestamp:       v.nowFn(),
		DeviceID:        deviceID,
		ResultingStatus: status,
		Metadata:        meta,
	})
}

// unlock releases mu and then publishes the events queued while it was held,
// so listeners may call back into the Validator.
func (v *Validator) unlock() {
	pending := v.pending
	v.pending = nil
	v.mu.Unlock()
	for _, ev := range pending {
		v.bus.Publish(ev)
	}
}

// mergeGrant builds the record implied by grant, keeping local-only fields
// of prev.
func mergeGrant(prev *Entitlement, grant *RemoteGrant, now time.Time, opts Options, provider string) *Entitlement {
	e := prev.Clone()

	if s := strings.TrimSpace(grant.SubjectID); s != "" {
		e.SubjectID = s
	}
	e.Status = grant.Status
	if !IsKnownStatus(e.Status) {
		e.Status = StatusNone
	}

	switch {
	case grant.PlanID != "":
		e.PlanID = grant.PlanID
	case IsPremiumStatus(e.Status) && prev.PlanID != PlanFree && prev.PlanID != "":
		e.PlanID = prev.PlanID
	case IsPremiumStatus(e.Status):
		e.PlanID = PlanPro
	default:
		e.PlanID = PlanFree
	}

	e.PeriodStart = cloneTime(grant.PeriodStart)
	e.PeriodEnd = cloneTime(grant.PeriodEnd)
	e.GracePeriodEndsAt = cloneTime(grant.GracePeriodEndsAt)
	e.TrialEndsAt = nil
	if e.Status == StatusTrial {
		switch {
		case grant.TrialEndsAt != nil:
			e.TrialEndsAt = cloneTime(grant.TrialEndsAt)
		case grant.PeriodEnd != nil:
			e.TrialEndsAt = cloneTime(grant.PeriodEnd)
		case prev.TrialEndsAt != nil:
			e.TrialEndsAt = cloneTime(prev.TrialEndsAt)
		default:
			e.TrialEndsAt = timePtr(now.Add(opts.TrialDuration))
		}
	}

	e.MaxDevices = grant.MaxDevices
	if e.MaxDevices <= 0 {
		e.MaxDevices = PlanMaxDevices(e.PlanID)
	}

	advanceLastValidated(e, now)
	e.ValidatedOffline = false

	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	delete(e.Metadata, MetaOfflineGraceEnds)
	delete(e.Metadata, MetaOfflineLockedAt)
	if provider != "" {
		e.Metadata[MetaProvider] = provider
	}
	if grant.ProviderStatus != "" {
		e.Metadata[MetaProviderStatus] = grant.ProviderStatus
	}
	if grant.EventID != "" {
		e.Metadata[MetaLastWebhookEvent] = grant.EventID
		seen := append(appliedWebhookEvents(prev), grant.EventID)
		if len(seen) > webhookEventsKept {
			seen = seen[len(seen)-webhookEventsKept:]
		}
		e.Metadata[MetaWebhookEvents] = strings.Join(seen, " ")
		if !grant.EventCreated.IsZero() {
			e.Metadata[MetaLastWebhookAt] = grant.EventCreated.UTC().Format(time.RFC3339Nano)
		}
	}

	e.RecomputeFeatures()
	return e
}

const webhookEventsKept = 32

func appliedWebhookEvents(e *Entitlement) []string {
	seen := strings.Fields(e.Metadata[MetaWebhookEvents])
	if last := e.Metadata[MetaLastWebhookEvent]; last != "" && !slices.Contains(seen, last) {
		seen = append(seen, last)
	}
	return seen
}

// staleWebhookGrant reports whether a pushed grant was already applied or
// predates the last applied event. Events created in the same instant are
// told apart by id only.
func staleWebhookGrant(e *Entitlement, grant *RemoteGrant) bool {
	if grant.EventID == "" {
		return false
	}
	if slices.Contains(appliedWebhookEvents(e), grant.EventID) {
		return true
	}
	if grant.EventCreated.IsZero() {
		return false
	}
	last, err := time.Parse(time.RFC3339Nano, e.Metadata[MetaLastWebhookAt])
	return err == nil && grant.EventCreated.Before(last)
}

// downgradeToFree converts e to the free plan in place, keeping its devices
// and local metadata.
func downgradeToFree(e *Entitlement) {
	e.Status = StatusNone
	e.PlanID = PlanFree
	e.PeriodStart = nil
	e.PeriodEnd = nil
	e.TrialEndsAt = nil
	e.GracePeriodEndsAt = nil
	e.MaxDevices = PlanMaxDevices(PlanFree)
	e.RecomputeFeatures()
}

func advanceLastValidated(e *Entitlement, now time.Time) {
	if now.After(e.LastValidated) {
		e.LastValidated = now
	}
}

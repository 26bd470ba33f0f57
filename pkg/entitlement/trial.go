package entitlement

import (
	"math"
	"time"
)

const (
	DefaultTrialDuration    = 14 * 24 * time.Hour
	DefaultTrialWarningDays = 3

	day = 24 * time.Hour
)

// TrialPlan is the plan granted while a trial runs.
const TrialPlan = PlanPro

type TrialStartDenialReason string

const (
	TrialStartAllowed           TrialStartDenialReason = ""
	TrialStartDeniedDisabled    TrialStartDenialReason = "auto_start_disabled"
	TrialStartDeniedAlreadyUsed TrialStartDenialReason = "already_used"
)

type TrialStartDecision struct {
	Allowed bool
	Reason  TrialStartDenialReason
}

// EvaluateTrialStartEligibility decides whether a trial may be minted for an
// installation that has no record. A trial is only ever granted once per
// installation.
func EvaluateTrialStartEligibility(autoStartEnabled, trialAlreadyUsed bool) TrialStartDecision {
	if !autoStartEnabled {
		return TrialStartDecision{Allowed: false, Reason: TrialStartDeniedDisabled}
	}
	if trialAlreadyUsed {
		return TrialStartDecision{Allowed: false, Reason: TrialStartDeniedAlreadyUsed}
	}
	return TrialStartDecision{Allowed: true, Reason: TrialStartAllowed}
}

// TrialWindow returns the start and end of a trial beginning at now.
func TrialWindow(now time.Time, duration time.Duration) (startedAt, endsAt time.Time) {
	if duration <= 0 {
		duration = DefaultTrialDuration
	}
	return now, now.Add(duration)
}

// NewTrialEntitlement mints a trial record owned by device.
func NewTrialEntitlement(device DeviceFingerprint, now time.Time, duration time.Duration) *Entitlement {
	startedAt, endsAt := TrialWindow(now, duration)
	if device.ActivatedAt.IsZero() {
		device.ActivatedAt = now
	}
	device.LastSeenAt = now

	e := &Entitlement{
		Status:        StatusTrial,
		PlanID:        TrialPlan,
		PeriodStart:   timePtr(startedAt),
		TrialEndsAt:   timePtr(endsAt),
		DeviceID:      device.DeviceID,
		Devices:       []DeviceFingerprint{device},
		MaxDevices:    PlanMaxDevices(TrialPlan),
		LastValidated: now,
		Metadata: map[string]string{
			MetaTrialStartedAt: startedAt.UTC().Format(time.RFC3339),
		},
		Version:   SchemaVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e.RecomputeFeatures()
	return e
}

// IsTrial reports whether e is a trial record.
func IsTrial(e *Entitlement) bool {
	return e != nil && e.Status == StatusTrial
}

// TrialTimeRemaining returns the time left in the trial, never negative.
func TrialTimeRemaining(e *Entitlement, now time.Time) time.Duration {
	if !IsTrial(e) || e.TrialEndsAt == nil {
		return 0
	}
	remaining := e.TrialEndsAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// DaysRemaining returns ceil(remaining / day); 0 once expired or when e is
// not a trial.
func DaysRemaining(e *Entitlement, now time.Time) int {
	remaining := TrialTimeRemaining(e, now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(float64(remaining) / float64(day)))
}

// IsEndingSoon reports whether the trial has time left and at most
// warningDays of it.
func IsEndingSoon(e *Entitlement, now time.Time, warningDays int) bool {
	remaining := TrialTimeRemaining(e, now)
	if remaining <= 0 || warningDays <= 0 {
		return false
	}
	return remaining <= time.Duration(warningDays)*day
}

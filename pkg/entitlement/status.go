package entitlement

import (
	"slices"
	"time"
)

// StateBehavior describes what an entitlement status means for the app.
type StateBehavior struct {
	Status Status

	// FeaturesAvailable indicates whether paid features are accessible
	// while the status is within its validity window.
	FeaturesAvailable bool

	// ShowWarning indicates whether the UI should show a warning banner.
	ShowWarning bool

	Description string
}

// StateBehaviors maps each status to its behavior rules.
var StateBehaviors = map[Status]StateBehavior{
	StatusTrial: {
		Status:            StatusTrial,
		FeaturesAvailable: true,
		Description:       "Full features with trial expiry timer.",
	},
	StatusActive: {
		Status:            StatusActive,
		FeaturesAvailable: true,
		Description:       "Paid subscription, all plan features active.",
	},
	StatusLifetime: {
		Status:            StatusLifetime,
		FeaturesAvailable: true,
		Description:       "Lifetime license, never expires.",
	},
	StatusGracePeriod: {
		Status:            StatusGracePeriod,
		FeaturesAvailable: true,
		ShowWarning:       true,
		Description:       "Payment overdue; features preserved with countdown.",
	},
	StatusExpired: {
		Status:      StatusExpired,
		ShowWarning: true,
		Description: "Subscription or trial ended; free features only.",
	},
	StatusCanceled: {
		Status:      StatusCanceled,
		ShowWarning: true,
		Description: "Subscription canceled; paid features revoked.",
	},
	StatusSuspended: {
		Status:      StatusSuspended,
		ShowWarning: true,
		Description: "Administrative lock; contact support.",
	},
	StatusNone: {
		Status:      StatusNone,
		Description: "No entitlement; free tier.",
	},
}

// GetBehavior returns the behavior rules for the given status.
// Unknown statuses behave like expired.
func GetBehavior(s Status) StateBehavior {
	if b, ok := StateBehaviors[s]; ok {
		return b
	}
	return StateBehaviors[StatusExpired]
}

// Transition is a status change.
type Transition struct {
	From Status
	To   Status
}

var validTransitions = map[Transition]bool{
	{StatusNone, StatusTrial}:           true, // First run
	{StatusNone, StatusActive}:          true, // Purchase without trial
	{StatusNone, StatusLifetime}:        true,
	{StatusTrial, StatusActive}:         true, // Trial converted to paid
	{StatusTrial, StatusLifetime}:       true,
	{StatusTrial, StatusExpired}:        true, // Trial expired without conversion
	{StatusTrial, StatusNone}:           true, // Trial lapsed, back to free
	{StatusActive, StatusGracePeriod}:   true, // Payment failed
	{StatusActive, StatusCanceled}:      true,
	{StatusActive, StatusSuspended}:     true, // Admin suspension
	{StatusActive, StatusExpired}:       true,
	{StatusActive, StatusLifetime}:      true, // Upgrade
	{StatusGracePeriod, StatusActive}:   true, // Payment recovered
	{StatusGracePeriod, StatusExpired}:  true, // Grace ended
	{StatusGracePeriod, StatusCanceled}: true,
	{StatusExpired, StatusActive}:       true, // Re-subscription
	{StatusExpired, StatusNone}:         true,
	{StatusCanceled, StatusActive}:      true,
	{StatusCanceled, StatusNone}:        true,
	{StatusSuspended, StatusActive}:     true, // Admin unsuspension
	{StatusSuspended, StatusExpired}:    true,
}

// CanTransition checks if a status change is an expected one. Staying in the
// same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all expected target statuses from the given status.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// ExceedsDeviceLimit reports whether the record holds more devices than its cap.
func ExceedsDeviceLimit(e *Entitlement) bool {
	if e == nil {
		return false
	}
	limit := e.MaxDevices
	if limit <= 0 {
		limit = DefaultMaxDevices
	}
	return len(e.Devices) > limit
}

// IsStatusValid is the local status-validity check for a cached record. A
// device-limit violation overrides every status.
func IsStatusValid(e *Entitlement, now time.Time) bool {
	if e == nil {
		return false
	}
	if ExceedsDeviceLimit(e) {
		return false
	}

	switch e.Status {
	case StatusTrial:
		return e.TrialEndsAt != nil && now.Before(*e.TrialEndsAt)
	case StatusActive, StatusLifetime:
		if e.PeriodEnd == nil || !now.After(*e.PeriodEnd) {
			return true
		}
		return e.GracePeriodEndsAt != nil && now.Before(*e.GracePeriodEndsAt)
	case StatusGracePeriod:
		return e.GracePeriodEndsAt != nil && now.Before(*e.GracePeriodEndsAt)
	default:
		return false
	}
}

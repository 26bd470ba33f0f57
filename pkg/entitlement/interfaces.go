package entitlement

import (
	"context"
	"strings"
	"time"
)

// Store persists the single Entitlement record of an installation.
// Get returns (nil, nil) when no record exists and an error matching
// ErrInvalidRecord when the stored record cannot be decoded.
type Store interface {
	Get(ctx context.Context) (*Entitlement, error)
	Put(ctx context.Context, e *Entitlement) error
	Delete(ctx context.Context) error
}

// TrialLedger is optionally implemented by a Store to remember that a trial
// was granted even after the record itself is deleted.
type TrialLedger interface {
	TrialUsed(ctx context.Context) (bool, error)
	MarkTrialUsed(ctx context.Context, at time.Time) error
}

// DeviceIdentity produces the fingerprint of the current machine.
type DeviceIdentity interface {
	Current(ctx context.Context) (DeviceFingerprint, error)
}

// BillingProvider fetches the current grant for a billing subject from the
// system of record. It returns (nil, nil) when the subject has no active
// grant. Errors should be *errors.ProviderError values so that network,
// not-found and server failures can be told apart.
type BillingProvider interface {
	Name() string
	FetchGrant(ctx context.Context, subjectID string) (*RemoteGrant, error)
}

// RemoteGrant is a provider's view of what a subject has paid for, already
// translated into the internal vocabulary by the adapter.
type RemoteGrant struct {
	SubjectID string

	// Status is the mapped internal status; ProviderStatus is the raw code.
	Status         Status
	ProviderStatus string

	PlanID            Plan
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialEndsAt       *time.Time
	GracePeriodEndsAt *time.Time

	// MaxDevices overrides the plan default when positive.
	MaxDevices int

	// EventID identifies the webhook delivery that pushed this grant, if any.
	EventID string
	// EventCreated is when the provider created that event. Grants older
	// than the last applied event are dropped.
	EventCreated time.Time
}

// ProviderStatusTable maps common billing status codes to internal statuses.
// Codes missing from the table map to StatusNone.
var ProviderStatusTable = map[string]Status{
	"active":    StatusActive,
	"paid":      StatusActive,
	"valid":     StatusActive,
	"trialing":  StatusTrial,
	"trial":     StatusTrial,
	"past_due":  StatusGracePeriod,
	"unpaid":    StatusGracePeriod,
	"grace":     StatusGracePeriod,
	"canceled":  StatusCanceled,
	"cancelled": StatusCanceled,
	"paused":    StatusSuspended,
	"suspended": StatusSuspended,
	"revoked":   StatusSuspended,
	"expired":   StatusExpired,
	"lifetime":  StatusLifetime,
	"perpetual": StatusLifetime,
}

// MapProviderStatus translates a provider status code using table. A nil
// table uses ProviderStatusTable.
func MapProviderStatus(table map[string]Status, code string) Status {
	if table == nil {
		table = ProviderStatusTable
	}
	if s, ok := table[strings.ToLower(strings.TrimSpace(code))]; ok {
		return s
	}
	return StatusNone
}

// Package entitlement decides whether an installation may use premium
// features.
//
// A single cached Entitlement record is kept per installation. The Validator
// revalidates it against a BillingProvider when the cache is stale, falls back
// to an offline grace window when the provider is unreachable, enforces the
// per-license device cap, and manages the one-time trial.
package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the current version of the persisted Entitlement record.
const SchemaVersion = 1

// DefaultMaxDevices is the device cap used when neither the plan nor the
// provider specifies one.
const DefaultMaxDevices = 2

// Status is the lifecycle state of an entitlement.
type Status string

const (
	StatusNone        Status = "none"
	StatusTrial       Status = "trial"
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusExpired     Status = "expired"
	StatusCanceled    Status = "canceled"
	StatusSuspended   Status = "suspended"
	StatusLifetime    Status = "lifetime"
)

// IsPremiumStatus reports whether the status grants paid features when it is
// otherwise within its validity window.
func IsPremiumStatus(s Status) bool {
	switch s {
	case StatusTrial, StatusActive, StatusGracePeriod, StatusLifetime:
		return true
	default:
		return false
	}
}

// IsKnownStatus reports whether s is one of the defined statuses.
func IsKnownStatus(s Status) bool {
	switch s {
	case StatusNone, StatusTrial, StatusActive, StatusGracePeriod,
		StatusExpired, StatusCanceled, StatusSuspended, StatusLifetime:
		return true
	default:
		return false
	}
}

// DeviceFingerprint identifies one machine that has activated an entitlement.
// Everything except LastSeenAt is immutable once activated.
type DeviceFingerprint struct {
	DeviceID    string    `json:"device_id"`
	HardwareID  string    `json:"hardware_id,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	OSVersion   string    `json:"os_version,omitempty"`
	DeviceName  string    `json:"device_name,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Entitlement is the single record describing what an installation may use.
type Entitlement struct {
	// Billing-provider subject (customer id or license key). Empty until first activation.
	SubjectID string `json:"subject_id,omitempty"`

	Status Status `json:"status"`
	PlanID Plan   `json:"plan_id"`

	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	TrialEndsAt       *time.Time `json:"trial_ends_at,omitempty"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`

	// DeviceID is the device that owns this local cache.
	DeviceID   string              `json:"device_id"`
	Devices    []DeviceFingerprint `json:"devices"`
	MaxDevices int                 `json:"max_devices"`

	LastValidated    time.Time `json:"last_validated"`
	ValidatedOffline bool      `json:"validated_offline"`

	// Features is derived from PlanID; see RecomputeFeatures.
	Features Features `json:"features"`

	// Metadata holds local-only bookkeeping that survives online revalidation.
	Metadata map[string]string `json:"metadata,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata keys kept on the local record.
const (
	MetaTrialStartedAt   = "trial_started_at"
	MetaProvider         = "provider"
	MetaLastWebhookEvent = "last_webhook_event"
	MetaLastWebhookAt    = "last_webhook_event_at"
	MetaWebhookEvents    = "webhook_events"
	MetaProviderStatus   = "provider_status"
	MetaOfflineGraceEnds = "offline_grace_ends_at"
	MetaOfflineLockedAt  = "offline_locked_at"
)

// Clone returns a deep copy of e.
func (e *Entitlement) Clone() *Entitlement {
	if e == nil {
		return nil
	}
	cp := *e
	cp.PeriodStart = cloneTime(e.PeriodStart)
	cp.PeriodEnd = cloneTime(e.PeriodEnd)
	cp.TrialEndsAt = cloneTime(e.TrialEndsAt)
	cp.GracePeriodEndsAt = cloneTime(e.GracePeriodEndsAt)
	if e.Devices != nil {
		cp.Devices = append([]DeviceFingerprint(nil), e.Devices...)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// RecomputeFeatures resets Features from PlanID.
func (e *Entitlement) RecomputeFeatures() {
	e.Features = FeaturesForPlan(e.PlanID)
}

// Normalize enforces the structural invariants of the record in place:
// trimmed identifiers, TrialEndsAt only on trials, plan-derived features,
// a positive device cap and non-nil collections.
func (e *Entitlement) Normalize() {
	e.SubjectID = strings.TrimSpace(e.SubjectID)
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	e.Status = Status(strings.ToLower(strings.TrimSpace(string(e.Status))))
	if e.Status == "" {
		e.Status = StatusNone
	}
	e.PlanID = Plan(strings.ToLower(strings.TrimSpace(string(e.PlanID))))
	if e.PlanID == "" {
		e.PlanID = PlanFree
	}
	if e.Status != StatusTrial {
		e.TrialEndsAt = nil
	}
	if e.MaxDevices <= 0 {
		e.MaxDevices = PlanMaxDevices(e.PlanID)
	}
	if e.Devices == nil {
		e.Devices = []DeviceFingerprint{}
	}
	if e.Version == 0 {
		e.Version = SchemaVersion
	}
	e.RecomputeFeatures()
}

// Validate checks that a loaded record is usable. A record failing these
// checks is treated as absent.
func (e *Entitlement) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if !IsKnownStatus(e.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, e.Status)
	}
	if e.Status == StatusTrial && e.TrialEndsAt == nil {
		return fmt.Errorf("%w: trial without trial_ends_at", ErrInvalidRecord)
	}
	if e.Status != StatusTrial && e.TrialEndsAt != nil {
		return fmt.Errorf("%w: trial_ends_at set on %s record", ErrInvalidRecord, e.Status)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: missing created_at", ErrInvalidRecord)
	}
	if e.Version > SchemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrInvalidRecord, e.Version)
	}
	for i, d := range e.Devices {
		if strings.TrimSpace(d.DeviceID) == "" {
			return fmt.Errorf("%w: device %d has no id", ErrInvalidRecord, i)
		}
	}
	return nil
}

// NewFreeEntitlement builds the synthetic free record for a device.
func NewFreeEntitlement(deviceID string, now time.Time) *Entitlement {
	e := &Entitlement{
		Status:        StatusNone,
		PlanID:        PlanFree,
		DeviceID:      deviceID,
		Devices:       []DeviceFingerprint{},
		MaxDevices:    PlanMaxDevices(PlanFree),
		LastValidated: now,
		Version:       SchemaVersion,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.RecomputeFeatures()
	return e
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}

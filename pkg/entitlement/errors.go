package entitlement

import (
	"errors"
	"fmt"
)

// Entitlement errors
var (
	ErrInvalidRecord       = errors.New("invalid entitlement record")
	ErrDeviceLimitReached  = errors.New("device limit reached")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrStorage             = errors.New("entitlement storage failed")
	ErrOfflineGraceExpired = errors.New("offline grace period expired")
	ErrNoSubject           = errors.New("no billing subject configured")
	ErrNoRecord            = errors.New("no entitlement record")
	ErrNoProvider          = errors.New("no billing provider configured")
	ErrNoActiveGrant       = errors.New("no active grant found for subject")
	ErrSubjectMismatch     = errors.New("grant belongs to a different subject")
)

// DeviceLimitError is returned when activating a device would exceed the cap.
type DeviceLimitError struct {
	DeviceID string
	Current  int
	Limit    int
}

func (e *DeviceLimitError) Error() string {
	return DeviceLimitExceededMessage(e.Current, e.Limit)
}

// Is reports ErrDeviceLimitReached so callers can use errors.Is.
func (e *DeviceLimitError) Is(target error) bool {
	return target == ErrDeviceLimitReached
}

// DeviceLimitExceededMessage is the customer-facing message for a full device cap.
func DeviceLimitExceededMessage(current, limit int) string {
	return fmt.Sprintf("Device limit reached (%d/%d). Deactivate another device or upgrade your plan.", current, limit)
}

// DeviceNotFoundError is returned when deactivating an id that is not active.
type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %q is not activated on this entitlement", e.DeviceID)
}

func (e *DeviceNotFoundError) Is(target error) bool {
	return target == ErrDeviceNotFound
}

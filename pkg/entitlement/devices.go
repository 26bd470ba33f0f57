package entitlement

import (
	"strings"
	"time"
)

// FindDevice returns the index of deviceID in e.Devices, or -1.
func FindDevice(e *Entitlement, deviceID string) int {
	if e == nil {
		return -1
	}
	deviceID = strings.TrimSpace(deviceID)
	for i, d := range e.Devices {
		if d.DeviceID == deviceID {
			return i
		}
	}
	return -1
}

// TouchDevice refreshes LastSeenAt for deviceID. It reports whether the
// device was found.
func TouchDevice(e *Entitlement, deviceID string, now time.Time) bool {
	i := FindDevice(e, deviceID)
	if i < 0 {
		return false
	}
	e.Devices[i].LastSeenAt = now
	return true
}

// AddDevice appends fp to e unless it is already present. It returns
// added=false for a known device (after refreshing LastSeenAt) and a
// *DeviceLimitError when the cap is full; the device list is unchanged on
// error.
func AddDevice(e *Entitlement, fp DeviceFingerprint, now time.Time) (added bool, err error) {
	fp.DeviceID = strings.TrimSpace(fp.DeviceID)
	if TouchDevice(e, fp.DeviceID, now) {
		return false, nil
	}

	limit := e.MaxDevices
	if limit <= 0 {
		limit = DefaultMaxDevices
	}
	if len(e.Devices) >= limit {
		return false, &DeviceLimitError{DeviceID: fp.DeviceID, Current: len(e.Devices), Limit: limit}
	}

	if fp.ActivatedAt.IsZero() {
		fp.ActivatedAt = now
	}
	fp.LastSeenAt = now
	e.Devices = append(e.Devices, fp)
	return true, nil
}

// RemoveDevice deletes deviceID from e, preserving the order of the rest.
func RemoveDevice(e *Entitlement, deviceID string) error {
	i := FindDevice(e, deviceID)
	if i < 0 {
		return &DeviceNotFoundError{DeviceID: strings.TrimSpace(deviceID)}
	}
	out := make([]DeviceFingerprint, 0, len(e.Devices)-1)
	out = append(out, e.Devices[:i]...)
	out = append(out, e.Devices[i+1:]...)
	e.Devices = out
	return nil
}

package entitlement

import (
	"fmt"
	"time"
)

// Mode says how a ValidationResult was reached.
type Mode string

const (
	ModeCached         Mode = "cached"
	ModeOnline         Mode = "online"
	ModeOffline        Mode = "offline"
	ModeOfflineExpired Mode = "offline_expired"
	ModeTrial          Mode = "trial"
	ModeFree           Mode = "free"
	ModeFailed         Mode = "failed"
)

// ValidationResult is the outcome of Validator.Validate.
type ValidationResult struct {
	Valid       bool         `json:"valid"`
	Entitlement *Entitlement `json:"entitlement,omitempty"`
	Mode        Mode         `json:"mode"`
	Error       string       `json:"error,omitempty"`
	Warning     string       `json:"warning,omitempty"`

	// OfflineGraceEndsAt is set in offline mode for display.
	OfflineGraceEndsAt *time.Time `json:"offline_grace_ends_at,omitempty"`

	// Err carries the typed error behind Error for errors.Is checks.
	Err error `json:"-"`
}

// HasFeature reports whether the result grants the named feature. Invalid
// results only grant free features.
func (r ValidationResult) HasFeature(name string) bool {
	if !r.Valid || r.Entitlement == nil {
		return IsFreeFeature(name)
	}
	return r.Entitlement.Features.Has(name)
}

func failedResult(e *Entitlement, err error) ValidationResult {
	return ValidationResult{
		Valid:       false,
		Entitlement: e,
		Mode:        ModeFailed,
		Error:       err.Error(),
		Err:         err,
	}
}

func storageWarning(err error) string {
	return fmt.Sprintf("entitlement may not have been durably saved: %v", err)
}

// humanizeDuration renders d as whole days and hours for user-facing text.
func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / day)
	hours := int((d % day) / time.Hour)
	switch {
	case days > 0 && hours > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case days > 0:
		return fmt.Sprintf("%dd", days)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
}

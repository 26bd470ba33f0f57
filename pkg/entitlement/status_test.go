package entitlement

import (
	"testing"
	"time"
)

func TestCanTransition_ValidTransitions(t *testing.T) {
	for transition := range validTransitions {
		transition := transition
		t.Run(string(transition.From)+"_to_"+string(transition.To), func(t *testing.T) {
			if !CanTransition(transition.From, transition.To) {
				t.Fatalf("expected transition %s -> %s to be valid", transition.From, transition.To)
			}
		})
	}
}

func TestCanTransition_UnexpectedTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
	}{
		{name: "none_to_grace", from: StatusNone, to: StatusGracePeriod},
		{name: "active_to_trial", from: StatusActive, to: StatusTrial},
		{name: "expired_to_trial", from: StatusExpired, to: StatusTrial},
		{name: "lifetime_to_canceled", from: StatusLifetime, to: StatusCanceled},
		{name: "canceled_to_grace", from: StatusCanceled, to: StatusGracePeriod},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if CanTransition(tt.from, tt.to) {
				t.Fatalf("expected transition %s -> %s to be unexpected", tt.from, tt.to)
			}
		})
	}

	if !CanTransition(StatusSuspended, StatusSuspended) {
		t.Fatal("staying in the same status must be allowed")
	}
}

func TestValidTransitionsFromIsSorted(t *testing.T) {
	got := ValidTransitionsFrom(StatusActive)
	want := []Status{StatusCanceled, StatusExpired, StatusGracePeriod, StatusLifetime, StatusSuspended}
	if len(got) != len(want) {
		t.Fatalf("ValidTransitionsFrom(active) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ValidTransitionsFrom(active)[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestGetBehavior(t *testing.T) {
	for status := range StateBehaviors {
		b := GetBehavior(status)
		if b.Status != status {
			t.Fatalf("behavior for %s carries status %s", status, b.Status)
		}
		if b.FeaturesAvailable != IsPremiumStatus(status) {
			t.Fatalf("behavior for %s: features available %v, premium %v", status, b.FeaturesAvailable, IsPremiumStatus(status))
		}
	}
	if got := GetBehavior("weird").Status; got != StatusExpired {
		t.Fatalf("unknown status behaves like %s, want expired", got)
	}
}

func TestIsStatusValid(t *testing.T) {
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	yesterday := now.Add(-day)
	tomorrow := now.Add(day)

	base := func(s Status) *Entitlement {
		return &Entitlement{Status: s, MaxDevices: 2, Devices: []DeviceFingerprint{{DeviceID: "a"}}}
	}
	with := func(s Status, fn func(*Entitlement)) *Entitlement {
		e := base(s)
		fn(e)
		return e
	}

	tests := []struct {
		name string
		e    *Entitlement
		want bool
	}{
		{"nil", nil, false},
		{"trial running", with(StatusTrial, func(e *Entitlement) { e.TrialEndsAt = &tomorrow }), true},
		{"trial at deadline", with(StatusTrial, func(e *Entitlement) { e.TrialEndsAt = &now }), false},
		{"trial without end", base(StatusTrial), false},
		{"active without period", base(StatusActive), true},
		{"active at period end", with(StatusActive, func(e *Entitlement) { e.PeriodEnd = &now }), true},
		{"active past period", with(StatusActive, func(e *Entitlement) { e.PeriodEnd = &yesterday }), false},
		{"active past period in billing grace", with(StatusActive, func(e *Entitlement) {
			e.PeriodEnd = &yesterday
			e.GracePeriodEndsAt = &tomorrow
		}), true},
		{"lifetime", base(StatusLifetime), true},
		{"grace running", with(StatusGracePeriod, func(e *Entitlement) { e.GracePeriodEndsAt = &tomorrow }), true},
		{"grace over", with(StatusGracePeriod, func(e *Entitlement) { e.GracePeriodEndsAt = &yesterday }), false},
		{"grace without end", base(StatusGracePeriod), false},
		{"canceled", base(StatusCanceled), false},
		{"suspended", base(StatusSuspended), false},
		{"expired", base(StatusExpired), false},
		{"none", base(StatusNone), false},
		{"lifetime over device cap", with(StatusLifetime, func(e *Entitlement) {
			e.Devices = append(e.Devices, DeviceFingerprint{DeviceID: "b"}, DeviceFingerprint{DeviceID: "c"})
		}), false},
		{"active at device cap", with(StatusActive, func(e *Entitlement) {
			e.Devices = append(e.Devices, DeviceFingerprint{DeviceID: "b"})
		}), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStatusValid(tt.e, now); got != tt.want {
				t.Fatalf("IsStatusValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExceedsDeviceLimitDefaultsCap(t *testing.T) {
	e := &Entitlement{Devices: []DeviceFingerprint{{DeviceID: "a"}, {DeviceID: "b"}, {DeviceID: "c"}}}
	if !ExceedsDeviceLimit(e) {
		t.Fatal("three devices with no cap should exceed the default of two")
	}
	if ExceedsDeviceLimit(nil) {
		t.Fatal("nil record has no devices")
	}
}

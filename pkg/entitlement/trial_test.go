package entitlement

import (
	"testing"
	"time"
)

func TestEvaluateTrialStartEligibility(t *testing.T) {
	tests := []struct {
		name        string
		enabled     bool
		used        bool
		wantAllowed bool
		wantReason  TrialStartDenialReason
	}{
		{name: "allowed on fresh install", enabled: true, used: false, wantAllowed: true, wantReason: TrialStartAllowed},
		{name: "denied when disabled", enabled: false, used: false, wantAllowed: false, wantReason: TrialStartDeniedDisabled},
		{name: "denied when already used", enabled: true, used: true, wantAllowed: false, wantReason: TrialStartDeniedAlreadyUsed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateTrialStartEligibility(tt.enabled, tt.used)
			if got.Allowed != tt.wantAllowed || got.Reason != tt.wantReason {
				t.Fatalf("EvaluateTrialStartEligibility() = %+v, want allowed=%v reason=%q", got, tt.wantAllowed, tt.wantReason)
			}
		})
	}
}

func TestNewTrialEntitlement(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewTrialEntitlement(DeviceFingerprint{DeviceID: "dev-1"}, now, 0)

	if e.Status != StatusTrial || e.PlanID != TrialPlan {
		t.Fatalf("unexpected trial record: status=%s plan=%s", e.Status, e.PlanID)
	}
	if e.TrialEndsAt == nil || !e.TrialEndsAt.Equal(now.Add(DefaultTrialDuration)) {
		t.Fatalf("TrialEndsAt = %v, want %v", e.TrialEndsAt, now.Add(DefaultTrialDuration))
	}
	if len(e.Devices) != 1 || !e.Devices[0].ActivatedAt.Equal(now) {
		t.Fatalf("trial should own exactly the current device, got %+v", e.Devices)
	}
	if e.Metadata[MetaTrialStartedAt] != "2026-01-02T03:04:05Z" {
		t.Fatalf("trial start metadata = %q", e.Metadata[MetaTrialStartedAt])
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("new trial should validate: %v", err)
	}
}

func TestDaysRemainingIsMonotonicAndReachesZero(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	e := NewTrialEntitlement(DeviceFingerprint{DeviceID: "d"}, start, DefaultTrialDuration)
	end := *e.TrialEndsAt

	prev := DaysRemaining(e, start)
	if prev != 14 {
		t.Fatalf("DaysRemaining at start = %d, want 14", prev)
	}
	for now := start; now.Before(end.Add(2 * day)); now = now.Add(5 * time.Hour) {
		got := DaysRemaining(e, now)
		if got > prev {
			t.Fatalf("DaysRemaining increased from %d to %d at %s", prev, got, now)
		}
		if got < 0 {
			t.Fatalf("DaysRemaining negative at %s", now)
		}
		prev = got
	}

	if got := DaysRemaining(e, end); got != 0 {
		t.Fatalf("DaysRemaining at deadline = %d, want 0", got)
	}
	if got := DaysRemaining(e, end.Add(-time.Nanosecond)); got != 1 {
		t.Fatalf("DaysRemaining just before deadline = %d, want 1", got)
	}
}

func TestDaysRemainingNonTrial(t *testing.T) {
	now := time.Now()
	if got := DaysRemaining(nil, now); got != 0 {
		t.Fatalf("nil record: %d", got)
	}
	if got := DaysRemaining(&Entitlement{Status: StatusActive}, now); got != 0 {
		t.Fatalf("active record: %d", got)
	}
}

func TestIsEndingSoon(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	e := NewTrialEntitlement(DeviceFingerprint{DeviceID: "d"}, start, DefaultTrialDuration)
	end := *e.TrialEndsAt

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"start", start, false},
		{"just outside window", end.Add(-3*day - time.Second), false},
		{"window edge", end.Add(-3 * day), true},
		{"last hour", end.Add(-time.Hour), true},
		{"at deadline", end, false},
		{"after deadline", end.Add(time.Hour), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEndingSoon(e, tt.now, DefaultTrialWarningDays); got != tt.want {
				t.Fatalf("IsEndingSoon() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsEndingSoon(e, end.Add(-time.Hour), 0) {
		t.Fatal("zero warning days never warns")
	}
}

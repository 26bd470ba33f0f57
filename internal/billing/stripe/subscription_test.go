package stripe

import (
	"testing"
	"time"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   string
		want entitlement.Status
	}{
		{"active", entitlement.StatusActive},
		{" TRIALING ", entitlement.StatusTrial},
		{"past_due", entitlement.StatusGracePeriod},
		{"unpaid", entitlement.StatusGracePeriod},
		{"canceled", entitlement.StatusCanceled},
		{"paused", entitlement.StatusSuspended},
		{"incomplete", entitlement.StatusExpired},
		{"incomplete_expired", entitlement.StatusExpired},
		{"something_new", entitlement.StatusNone},
		{"", entitlement.StatusNone},
	}
	for _, tt := range tests {
		if got := MapStatus(tt.in); got != tt.want {
			t.Fatalf("MapStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSubscriptionGrant(t *testing.T) {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	sub := Subscription{ID: "sub_1", Customer: "cus_1", Status: "past_due"}
	item := SubscriptionItem{CurrentPeriodStart: start.Unix(), CurrentPeriodEnd: end.Unix()}
	item.Price.LookupKey = "team"
	item.Price.Metadata = map[string]string{"max_devices": "9"}
	sub.Items.Data = []SubscriptionItem{item}

	grant := sub.Grant()
	if grant.SubjectID != "cus_1" {
		t.Fatalf("subject = %q", grant.SubjectID)
	}
	if grant.Status != entitlement.StatusGracePeriod || grant.ProviderStatus != "past_due" {
		t.Fatalf("status = %q/%q", grant.Status, grant.ProviderStatus)
	}
	if grant.PlanID != entitlement.PlanTeam {
		t.Fatalf("plan = %q, want team", grant.PlanID)
	}
	if grant.MaxDevices != 9 {
		t.Fatalf("max devices = %d, want 9", grant.MaxDevices)
	}
	if grant.PeriodStart == nil || !grant.PeriodStart.Equal(start) || grant.PeriodEnd == nil || !grant.PeriodEnd.Equal(end) {
		t.Fatalf("period = %v..%v", grant.PeriodStart, grant.PeriodEnd)
	}
	if grant.GracePeriodEndsAt == nil || !grant.GracePeriodEndsAt.Equal(end.Add(PastDueGrace)) {
		t.Fatalf("grace ends = %v", grant.GracePeriodEndsAt)
	}
	if grant.TrialEndsAt != nil {
		t.Fatalf("trial ends = %v, want nil", grant.TrialEndsAt)
	}
}

func TestSubscriptionGrantPlanPrecedence(t *testing.T) {
	sub := Subscription{Status: "active", Metadata: map[string]string{"plan": "annual"}}
	item := SubscriptionItem{}
	item.Price.LookupKey = "team"
	sub.Items.Data = []SubscriptionItem{item}

	if got := sub.Grant().PlanID; got != entitlement.PlanProAnnual {
		t.Fatalf("plan = %q, want pro_annual", got)
	}

	unlabeled := Subscription{Status: "trialing", TrialEnd: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).Unix()}
	grant := unlabeled.Grant()
	if grant.PlanID != entitlement.PlanPro {
		t.Fatalf("unlabeled premium plan = %q, want pro", grant.PlanID)
	}
	if grant.TrialEndsAt == nil {
		t.Fatal("expected trial end")
	}

	canceled := Subscription{Status: "canceled"}
	if got := canceled.Grant().PlanID; got != entitlement.PlanFree {
		t.Fatalf("canceled plan = %q, want free", got)
	}
}

func TestPickSubscriptionPrefersMostAccess(t *testing.T) {
	if pickSubscription(nil) != nil {
		t.Fatal("expected nil for no subscriptions")
	}

	subs := []Subscription{
		{ID: "sub_old", Status: "canceled"},
		{ID: "sub_due", Status: "past_due"},
		{ID: "sub_live", Status: "active"},
		{ID: "sub_paused", Status: "paused"},
	}
	if got := pickSubscription(subs); got == nil || got.ID != "sub_live" {
		t.Fatalf("picked %+v, want sub_live", got)
	}

	if got := pickSubscription(subs[:1]); got == nil || got.ID != "sub_old" {
		t.Fatalf("picked %+v, want sub_old", got)
	}
}

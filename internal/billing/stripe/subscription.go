// Package stripe adapts Stripe subscriptions to entitlement grants.
package stripe

import (
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

// ProviderName identifies this adapter in logs, metadata and errors.
const ProviderName = "stripe"

// PastDueGrace is how long a past_due or unpaid subscription keeps premium
// access after its current period ends.
const PastDueGrace = 7 * 24 * time.Hour

// StatusTable maps Stripe subscription statuses to entitlement statuses.
// Statuses missing from the table map to StatusNone.
var StatusTable = map[string]entitlement.Status{
	"active":             entitlement.StatusActive,
	"trialing":           entitlement.StatusTrial,
	"past_due":           entitlement.StatusGracePeriod,
	"unpaid":             entitlement.StatusGracePeriod,
	"canceled":           entitlement.StatusCanceled,
	"paused":             entitlement.StatusSuspended,
	"incomplete":         entitlement.StatusExpired,
	"incomplete_expired": entitlement.StatusExpired,
}

// MapStatus translates a Stripe subscription status.
func MapStatus(status string) entitlement.Status {
	return entitlement.MapProviderStatus(StatusTable, status)
}

// Subscription is the subset of a Stripe subscription needed to build a
// grant. It decodes directly from webhook payloads.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	TrialEnd int64  `json:"trial_end"`
	Items    struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// SubscriptionItem is one priced line of a Subscription.
type SubscriptionItem struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Price              struct {
		ID        string            `json:"id"`
		LookupKey string            `json:"lookup_key"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"price"`
}

func statusRank(status string) int {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return 4
	case "past_due", "unpaid":
		return 3
	case "paused":
		return 2
	case "canceled", "incomplete", "incomplete_expired":
		return 1
	default:
		return 0
	}
}

// pickSubscription returns the subscription granting the most access, or nil.
func pickSubscription(subs []Subscription) *Subscription {
	var best *Subscription
	bestRank := -1
	for i := range subs {
		rank := statusRank(subs[i].Status)
		if rank > bestRank {
			best = &subs[i]
			bestRank = rank
		}
	}
	return best
}

// planLabel prefers explicit metadata, then the price lookup key.
func (s *Subscription) planLabel() string {
	if s.Metadata != nil {
		if v := strings.TrimSpace(s.Metadata["plan"]); v != "" {
			return v
		}
	}
	for _, item := range s.Items.Data {
		if v := strings.TrimSpace(item.Price.Metadata["plan"]); v != "" {
			return v
		}
		if v := strings.TrimSpace(item.Price.LookupKey); v != "" {
			return v
		}
	}
	return ""
}

func (s *Subscription) maxDevices() int {
	lookup := func(md map[string]string) int {
		if md == nil {
			return 0
		}
		n, err := strconv.Atoi(strings.TrimSpace(md["max_devices"]))
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	if n := lookup(s.Metadata); n > 0 {
		return n
	}
	for _, item := range s.Items.Data {
		if n := lookup(item.Price.Metadata); n > 0 {
			return n
		}
	}
	return 0
}

func (s *Subscription) period() (start, end *time.Time) {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return unixPtr(item.CurrentPeriodStart), unixPtr(item.CurrentPeriodEnd)
		}
	}
	return nil, nil
}

// Grant converts s into a RemoteGrant for subjectID.
func (s *Subscription) Grant() *entitlement.RemoteGrant {
	status := MapStatus(s.Status)
	start, end := s.period()

	grant := &entitlement.RemoteGrant{
		SubjectID:      strings.TrimSpace(s.Customer),
		Status:         status,
		ProviderStatus: strings.ToLower(strings.TrimSpace(s.Status)),
		PlanID:         entitlement.ParsePlan(s.planLabel(), entitlement.IsPremiumStatus(status)),
		PeriodStart:    start,
		PeriodEnd:      end,
		TrialEndsAt:    unixPtr(s.TrialEnd),
		MaxDevices:     s.maxDevices(),
	}
	if status == entitlement.StatusGracePeriod && end != nil {
		graceEnds := end.Add(PastDueGrace)
		grant.GracePeriodEndsAt = &graceEnds
	}
	return grant
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

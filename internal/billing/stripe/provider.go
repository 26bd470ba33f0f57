package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"

	apperrors "github.com/rcourtman/entitlements/internal/errors"
	"github.com/rcourtman/entitlements/pkg/entitlement"
)

const opFetchGrant = "fetch_grant"

// Provider fetches grants from the Stripe subscriptions API. The billing
// subject is the Stripe customer id.
type Provider struct {
	apiKey string

	// listSubscriptions is swappable for tests.
	listSubscriptions func(ctx context.Context, customerID string) ([]Subscription, error)
}

// NewProvider creates a Provider using the given secret API key.
func NewProvider(apiKey string) *Provider {
	p := &Provider{apiKey: strings.TrimSpace(apiKey)}
	p.listSubscriptions = p.listFromAPI
	return p
}

// Name implements entitlement.BillingProvider.
func (p *Provider) Name() string { return ProviderName }

// FetchGrant implements entitlement.BillingProvider. It returns the grant of
// the customer's most privileged subscription, or (nil, nil) when the
// customer has none.
func (p *Provider) FetchGrant(ctx context.Context, subjectID string) (*entitlement.RemoteGrant, error) {
	customerID := strings.TrimSpace(subjectID)
	if customerID == "" {
		return nil, apperrors.NewProviderError(apperrors.ErrorTypeValidation, opFetchGrant, ProviderName, apperrors.ErrInvalidInput)
	}
	if p.apiKey == "" {
		return nil, apperrors.NewProviderError(apperrors.ErrorTypeAuth, opFetchGrant, ProviderName, errors.New("stripe api key not configured"))
	}

	subs, err := p.listSubscriptions(ctx, customerID)
	if err != nil {
		return nil, classifyError(err)
	}

	best := pickSubscription(subs)
	if best == nil {
		return nil, nil
	}
	grant := best.Grant()
	if grant.SubjectID == "" {
		grant.SubjectID = customerID
	}
	return grant, nil
}

func (p *Provider) listFromAPI(ctx context.Context, customerID string) ([]Subscription, error) {
	stripelib.Key = p.apiKey

	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(20)

	var out []Subscription
	iter := subscription.List(params)
	for iter.Next() {
		out = append(out, fromAPI(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func fromAPI(s *stripelib.Subscription) Subscription {
	out := Subscription{
		ID:       s.ID,
		Status:   string(s.Status),
		TrialEnd: s.TrialEnd,
		Metadata: s.Metadata,
	}
	if s.Customer != nil {
		out.Customer = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			var si SubscriptionItem
			si.CurrentPeriodStart = item.CurrentPeriodStart
			si.CurrentPeriodEnd = item.CurrentPeriodEnd
			if item.Price != nil {
				si.Price.ID = item.Price.ID
				si.Price.LookupKey = item.Price.LookupKey
				si.Price.Metadata = item.Price.Metadata
			}
			out.Items.Data = append(out.Items.Data, si)
		}
	}
	return out
}

// classifyError turns Stripe client errors into provider errors so the
// validator can tell an outage from a missing customer.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return apperrors.WrapConnectionError(opFetchGrant, ProviderName, err)
	}

	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripelib.ErrorCodeResourceMissing {
			return apperrors.WrapAPIError(opFetchGrant, ProviderName, err, http.StatusNotFound)
		}
		if stripeErr.HTTPStatusCode > 0 {
			return apperrors.WrapAPIError(opFetchGrant, ProviderName, err, stripeErr.HTTPStatusCode)
		}
		return apperrors.NewProviderError(apperrors.ErrorTypeServer, opFetchGrant, ProviderName, err)
	}

	return apperrors.WrapConnectionError(opFetchGrant, ProviderName, fmt.Errorf("list subscriptions: %w", err))
}

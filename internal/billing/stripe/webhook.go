package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/entitlements/internal/logging"
	"github.com/rcourtman/entitlements/pkg/entitlement"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// GrantSink receives grants pushed by webhook deliveries.
type GrantSink interface {
	ApplyGrant(ctx context.Context, grant *entitlement.RemoteGrant) (entitlement.ValidationResult, error)
}

// GrantFetcher looks up a customer's current grant. *Provider implements it.
type GrantFetcher interface {
	FetchGrant(ctx context.Context, subjectID string) (*entitlement.RemoteGrant, error)
}

// WebhookObserver records webhook outcomes.
type WebhookObserver interface {
	ObserveWebhook(eventType string, status int, elapsed time.Duration)
}

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	secret   string
	sink     GrantSink
	fetcher  GrantFetcher
	observer WebhookObserver
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. fetcher and
// observer may be nil; without a fetcher a deleted subscription cancels the
// customer outright.
func NewWebhookHandler(secret string, sink GrantSink, fetcher GrantFetcher, observer WebhookObserver) *WebhookHandler {
	return &WebhookHandler{
		secret:   secret,
		sink:     sink,
		fetcher:  fetcher,
		observer: observer,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		if h.observer != nil {
			h.observer.ObserveWebhook(eventType, status, time.Since(start))
		}
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	ctx, _ := logging.WithRequestID(r.Context(), event.ID)
	resp, err := h.handleEvent(ctx, &event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, status, resp)
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) (webhookReceivedResponse, error) {
	resp := webhookReceivedResponse{Received: true}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return resp, fmt.Errorf("decode subscription: %w", err)
		}

		grant := sub.Grant()
		if event.Type == "customer.subscription.deleted" {
			var err error
			if grant, err = h.grantAfterDeletion(ctx, &sub); err != nil {
				return resp, err
			}
		}
		grant.EventID = event.ID
		if event.Created > 0 {
			grant.EventCreated = time.Unix(event.Created, 0).UTC()
		}

		result, err := h.sink.ApplyGrant(ctx, grant)
		switch {
		case errors.Is(err, entitlement.ErrNoRecord),
			errors.Is(err, entitlement.ErrNoSubject),
			errors.Is(err, entitlement.ErrSubjectMismatch):
			log.Info().
				Str("event_id", event.ID).
				Str("customer", grant.SubjectID).
				Str("reason", err.Error()).
				Msg("Stripe webhook not for this installation")
			return resp, nil
		case err != nil:
			return resp, fmt.Errorf("apply grant: %w", err)
		}

		resp.Applied = true
		if result.Entitlement != nil {
			resp.Status = string(result.Entitlement.Status)
		}
		log.Info().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Str("subscription_id", sub.ID).
			Str("status", resp.Status).
			Bool("valid", result.Valid).
			Msg("Applied Stripe subscription update")
		return resp, nil

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return resp, nil
	}
}

// grantAfterDeletion resolves what a customer is left with once sub is
// deleted. Another live subscription of the same customer still wins.
func (h *WebhookHandler) grantAfterDeletion(ctx context.Context, sub *Subscription) (*entitlement.RemoteGrant, error) {
	canceled := sub.Grant()
	canceled.Status = entitlement.StatusCanceled
	canceled.ProviderStatus = "canceled"
	canceled.GracePeriodEndsAt = nil

	if h.fetcher == nil || sub.Customer == "" {
		return canceled, nil
	}
	current, err := h.fetcher.FetchGrant(ctx, sub.Customer)
	if err != nil {
		return nil, fmt.Errorf("refresh customer after deletion: %w", err)
	}
	if current == nil || !entitlement.IsPremiumStatus(current.Status) {
		return canceled, nil
	}
	log.Info().
		Str("customer", sub.Customer).
		Str("deleted_subscription", sub.ID).
		Str("status", string(current.Status)).
		Msg("Customer keeps another subscription after deletion")
	if current.SubjectID == "" {
		current.SubjectID = sub.Customer
	}
	return current, nil
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.stripe: encode webhook response")
	}
}

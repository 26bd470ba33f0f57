// Package metrics exposes entitlement activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rcourtman/entitlements/pkg/entitlement"
)

var allModes = []entitlement.Mode{
	entitlement.ModeCached,
	entitlement.ModeOnline,
	entitlement.ModeOffline,
	entitlement.ModeOfflineExpired,
	entitlement.ModeTrial,
	entitlement.ModeFree,
	entitlement.ModeFailed,
}

// EntitlementMetrics manages Prometheus instrumentation for entitlement
// events, validations and billing webhooks. It implements
// entitlement.Listener.
type EntitlementMetrics struct {
	eventsTotal        *prometheus.CounterVec
	validationsTotal   *prometheus.CounterVec
	lastMode           *prometheus.GaugeVec
	trialDaysRemaining prometheus.Gauge
	premiumActive      prometheus.Gauge
	webhookTotal       *prometheus.CounterVec
	webhookDuration    *prometheus.HistogramVec
}

var (
	instance *EntitlementMetrics
	once     sync.Once
)

// Get returns the singleton registered with the default registerer.
func Get() *EntitlementMetrics {
	once.Do(func() {
		instance = New(prometheus.DefaultRegisterer)
	})
	return instance
}

// New creates metrics registered with registerer. Collectors that are
// already registered are reused.
func New(registerer prometheus.Registerer) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &EntitlementMetrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "events_total",
				Help:      "Total entitlement lifecycle events by type and resulting status",
			},
			[]string{"type", "status"},
		),
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Name:      "validations_total",
				Help:      "Total validations by mode and outcome",
			},
			[]string{"mode", "valid"},
		),
		lastMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "entitlements",
				Name:      "last_validation_mode",
				Help:      "1 for the mode of the most recent validation, 0 otherwise",
			},
			[]string{"mode"},
		),
		trialDaysRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "entitlements",
				Name:      "trial_days_remaining",
				Help:      "Whole days left in the current trial (0 when not in trial)",
			},
		),
		premiumActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "entitlements",
				Name:      "premium_active",
				Help:      "1 when the most recent validation granted premium access",
			},
		),
		webhookTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "entitlements",
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Total billing webhook requests by event type and HTTP status",
			},
			[]string{"event_type", "status"},
		),
		webhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "entitlements",
				Subsystem: "webhook",
				Name:      "duration_seconds",
				Help:      "Billing webhook processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
	}

	m.eventsTotal = registerCollector(registerer, m.eventsTotal)
	m.validationsTotal = registerCollector(registerer, m.validationsTotal)
	m.lastMode = registerCollector(registerer, m.lastMode)
	m.trialDaysRemaining = registerCollector(registerer, m.trialDaysRemaining)
	m.premiumActive = registerCollector(registerer, m.premiumActive)
	m.webhookTotal = registerCollector(registerer, m.webhookTotal)
	m.webhookDuration = registerCollector(registerer, m.webhookDuration)

	return m
}

func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, c T) T {
	if err := registerer.Register(c); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// HandleEntitlementEvent counts e.
func (m *EntitlementMetrics) HandleEntitlementEvent(e entitlement.Event) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(e.Type), string(e.ResultingStatus)).Inc()
}

// ObserveValidation records the outcome of a validation.
func (m *EntitlementMetrics) ObserveValidation(res entitlement.ValidationResult, now time.Time) {
	if m == nil {
		return
	}
	m.validationsTotal.WithLabelValues(string(res.Mode), strconv.FormatBool(res.Valid)).Inc()
	for _, mode := range allModes {
		v := 0.0
		if mode == res.Mode {
			v = 1
		}
		m.lastMode.WithLabelValues(string(mode)).Set(v)
	}

	premium := 0.0
	if res.Valid && res.Entitlement != nil && entitlement.IsPremiumStatus(res.Entitlement.Status) {
		premium = 1
	}
	m.premiumActive.Set(premium)
	m.trialDaysRemaining.Set(float64(entitlement.DaysRemaining(res.Entitlement, now)))
}

// ObserveWebhook records one webhook request.
func (m *EntitlementMetrics) ObserveWebhook(eventType string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// Package licenseserver adapts a license-key validation server to
// entitlement grants. The billing subject is the license key.
package licenseserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/rcourtman/entitlements/internal/errors"
	"github.com/rcourtman/entitlements/pkg/entitlement"
)

// ProviderName identifies this adapter in logs, metadata and errors.
const ProviderName = "license_server"

const (
	validatePath      = "/v1/licenses/validate"
	opFetchGrant      = "fetch_grant"
	maxResponseBytes  = 256 * 1024
	defaultAPITimeout = 15 * time.Second
)

// Config configures a Provider.
type Config struct {
	// BaseURL of the license server, e.g. https://licenses.example.com.
	BaseURL string

	// PublicKey verifies grant_token when set. Responses without a valid
	// token are then rejected.
	PublicKey ed25519.PublicKey

	// Identity supplies the device id sent with each request. Optional.
	Identity entitlement.DeviceIdentity

	// Timeout bounds each request when HTTPClient is nil.
	Timeout time.Duration

	// HTTPClient overrides the DNS-caching default client.
	HTTPClient *http.Client

	// Now overrides the clock used for token expiry (tests).
	Now func() time.Time
}

// Provider validates license keys against a license server.
type Provider struct {
	baseURL   string
	publicKey ed25519.PublicKey
	identity  entitlement.DeviceIdentity
	client    *http.Client
	nowFn     func() time.Time
}

type validateRequest struct {
	LicenseKey string `json:"license_key"`
	DeviceID   string `json:"device_id,omitempty"`
}

type validateResponse struct {
	Status            string     `json:"status"`
	Plan              string     `json:"plan"`
	PeriodStart       *time.Time `json:"period_start"`
	PeriodEnd         *time.Time `json:"period_end"`
	TrialEndsAt       *time.Time `json:"trial_ends_at"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at"`
	MaxDevices        int        `json:"max_devices"`
	GrantToken        string     `json:"grant_token"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewProvider creates a Provider from cfg.
func NewProvider(cfg Config) (*Provider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("license server URL is required")
	}
	if cfg.PublicKey != nil && len(cfg.PublicKey) != ed25519.PublicKeySize {
		return nil, ErrPublicKeyInvalid
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultAPITimeout
		}
		client = newHTTPClient(timeout)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Provider{
		baseURL:   baseURL,
		publicKey: cfg.PublicKey,
		identity:  cfg.Identity,
		client:    client,
		nowFn:     nowFn,
	}, nil
}

// Name implements entitlement.BillingProvider.
func (p *Provider) Name() string { return ProviderName }

// FetchGrant implements entitlement.BillingProvider. An unknown license key
// yields (nil, nil).
func (p *Provider) FetchGrant(ctx context.Context, subjectID string) (*entitlement.RemoteGrant, error) {
	licenseKey := strings.TrimSpace(subjectID)
	if licenseKey == "" {
		return nil, apperrors.NewProviderError(apperrors.ErrorTypeValidation, opFetchGrant, ProviderName, apperrors.ErrInvalidInput)
	}

	deviceID := p.deviceID(ctx)
	body, err := json.Marshal(validateRequest{LicenseKey: licenseKey, DeviceID: deviceID})
	if err != nil {
		return nil, fmt.Errorf("encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+validatePath, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewProviderError(apperrors.ErrorTypeValidation, opFetchGrant, ProviderName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperrors.WrapConnectionError(opFetchGrant, ProviderName, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperrors.WrapConnectionError(opFetchGrant, ProviderName, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		log.Debug().Str("provider", ProviderName).Msg("License key not recognized")
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apperrors.WrapAPIError(opFetchGrant, ProviderName, responseError(resp.StatusCode, payload), resp.StatusCode)
	}

	var decoded validateResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, apperrors.WrapAPIError(opFetchGrant, ProviderName, fmt.Errorf("decode response: %w", err), http.StatusBadGateway)
	}

	if p.publicKey != nil {
		claims, err := VerifyGrantToken(decoded.GrantToken, p.publicKey, licenseKey, deviceID, p.nowFn())
		if err != nil {
			return nil, apperrors.NewProviderError(apperrors.ErrorTypeValidation, opFetchGrant, ProviderName, fmt.Errorf("verify grant token: %w", err))
		}
		return grantFromClaims(licenseKey, claims), nil
	}
	return grantFromResponse(licenseKey, decoded), nil
}

func (p *Provider) deviceID(ctx context.Context) string {
	if p.identity == nil {
		return ""
	}
	fp, err := p.identity.Current(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not determine device id for license validation")
		return ""
	}
	return fp.DeviceID
}

func responseError(status int, payload []byte) error {
	var body errorResponse
	if err := json.Unmarshal(payload, &body); err == nil && strings.TrimSpace(body.Error) != "" {
		return fmt.Errorf("license server returned %d: %s", status, strings.TrimSpace(body.Error))
	}
	return fmt.Errorf("license server returned %d", status)
}

func grantFromResponse(licenseKey string, r validateResponse) *entitlement.RemoteGrant {
	status := entitlement.MapProviderStatus(nil, r.Status)
	return &entitlement.RemoteGrant{
		SubjectID:         licenseKey,
		Status:            status,
		ProviderStatus:    strings.ToLower(strings.TrimSpace(r.Status)),
		PlanID:            entitlement.ParsePlan(r.Plan, entitlement.IsPremiumStatus(status)),
		PeriodStart:       utcPtr(r.PeriodStart),
		PeriodEnd:         utcPtr(r.PeriodEnd),
		TrialEndsAt:       utcPtr(r.TrialEndsAt),
		GracePeriodEndsAt: utcPtr(r.GracePeriodEndsAt),
		MaxDevices:        r.MaxDevices,
	}
}

func grantFromClaims(licenseKey string, c *GrantClaims) *entitlement.RemoteGrant {
	status := entitlement.MapProviderStatus(nil, c.Status)
	return &entitlement.RemoteGrant{
		SubjectID:         licenseKey,
		Status:            status,
		ProviderStatus:    strings.ToLower(strings.TrimSpace(c.Status)),
		PlanID:            entitlement.ParsePlan(c.Plan, entitlement.IsPremiumStatus(status)),
		PeriodStart:       numericTime(c.PeriodStart),
		PeriodEnd:         numericTime(c.PeriodEnd),
		TrialEndsAt:       numericTime(c.TrialEndsAt),
		GracePeriodEndsAt: numericTime(c.GracePeriodEndsAt),
		MaxDevices:        c.MaxDevices,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

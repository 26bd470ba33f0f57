package licenseserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/rcourtman/entitlements/internal/errors"
	"github.com/rcourtman/entitlements/pkg/entitlement"
)

type fixedIdentity string

func (f fixedIdentity) Current(context.Context) (entitlement.DeviceFingerprint, error) {
	return entitlement.DeviceFingerprint{DeviceID: string(f)}, nil
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchGrantActiveLicense(t *testing.T) {
	var got validateRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, validatePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"active","plan":"team","period_end":"2027-01-01T00:00:00Z","max_devices":7}`))
	})

	p, err := NewProvider(Config{BaseURL: srv.URL + "/", Identity: fixedIdentity("dev-42")})
	require.NoError(t, err)

	grant, err := p.FetchGrant(context.Background(), " LIC-123 ")
	require.NoError(t, err)
	require.NotNil(t, grant)

	assert.Equal(t, validateRequest{LicenseKey: "LIC-123", DeviceID: "dev-42"}, got)
	assert.Equal(t, "LIC-123", grant.SubjectID)
	assert.Equal(t, entitlement.StatusActive, grant.Status)
	assert.Equal(t, entitlement.PlanTeam, grant.PlanID)
	assert.Equal(t, 7, grant.MaxDevices)
	require.NotNil(t, grant.PeriodEnd)
	assert.Equal(t, 2027, grant.PeriodEnd.Year())
	assert.Equal(t, "license_server", p.Name())
}

func TestFetchGrantUnknownLicense(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown license"}`, http.StatusNotFound)
	})
	p, err := NewProvider(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	grant, err := p.FetchGrant(context.Background(), "LIC-404")
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestFetchGrantServerError(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	})
	p, err := NewProvider(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.FetchGrant(context.Background(), "LIC-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServer)
	assert.True(t, apperrors.IsRetryableError(err))
	assert.False(t, apperrors.IsNetworkError(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestFetchGrantConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewProvider(Config{BaseURL: url, Timeout: 2 * time.Second})
	require.NoError(t, err)

	_, err = p.FetchGrant(context.Background(), "LIC-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNetworkError(err))
	assert.ErrorIs(t, err, apperrors.ErrConnectionFailed)
}

func TestFetchGrantTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	p, err := NewProvider(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.FetchGrant(ctx, "LIC-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestFetchGrantRejectsEmptyKey(t *testing.T) {
	p, err := NewProvider(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = p.FetchGrant(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestNewProviderValidatesConfig(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.Error(t, err)

	_, err = NewProvider(Config{BaseURL: "http://x", PublicKey: ed25519.PublicKey{1, 2, 3}})
	assert.ErrorIs(t, err, ErrPublicKeyInvalid)
}

func TestFetchGrantVerifiesSignedToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	token, err := SignGrantToken(priv, "LIC-9", GrantClaims{
		Status:      "trialing",
		Plan:        "pro",
		TrialEndsAt: jwt.NewNumericDate(now.Add(48 * time.Hour)),
		DeviceID:    "dev-1",
	}, now)
	require.NoError(t, err)

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			// Unsigned fields disagree with the token and must be ignored.
			"status":      "lifetime",
			"grant_token": token,
		})
	})

	p, err := NewProvider(Config{
		BaseURL:   srv.URL,
		PublicKey: pub,
		Identity:  fixedIdentity("dev-1"),
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	grant, err := p.FetchGrant(context.Background(), "LIC-9")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, entitlement.StatusTrial, grant.Status)
	require.NotNil(t, grant.TrialEndsAt)
	assert.True(t, grant.TrialEndsAt.Equal(now.Add(48*time.Hour)))
}

func TestFetchGrantRejectsBadTokens(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	sign := func(key ed25519.PrivateKey, license string, claims GrantClaims) string {
		tok, err := SignGrantToken(key, license, claims, now)
		require.NoError(t, err)
		return tok
	}

	tests := map[string]string{
		"missing":        "",
		"wrong key":      sign(otherPriv, "LIC-9", GrantClaims{Status: "active"}),
		"wrong subject":  sign(priv, "LIC-OTHER", GrantClaims{Status: "active"}),
		"wrong device":   sign(priv, "LIC-9", GrantClaims{Status: "active", DeviceID: "dev-2"}),
		"expired":        sign(priv, "LIC-9", GrantClaims{Status: "active", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))}}),
		"wrong audience": sign(priv, "LIC-9", GrantClaims{Status: "active", RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"someone-else"}}}),
	}

	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "active", "grant_token": token})
			})
			p, err := NewProvider(Config{
				BaseURL:   srv.URL,
				PublicKey: pub,
				Identity:  fixedIdentity("dev-1"),
				Now:       func() time.Time { return now },
			})
			require.NoError(t, err)

			grant, err := p.FetchGrant(context.Background(), "LIC-9")
			assert.Nil(t, grant)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
		})
	}
}

func TestDecodePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	got, err := DecodePublicKey(" " + base64.StdEncoding.EncodeToString(pub) + " ")
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	got, err = DecodePublicKey(base64.RawStdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	_, err = DecodePublicKey("not base64!")
	assert.ErrorIs(t, err, ErrPublicKeyInvalid)

	_, err = DecodePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrPublicKeyInvalid)
}

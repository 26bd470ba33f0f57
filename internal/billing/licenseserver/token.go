package licenseserver

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// GrantTokenIssuer is the issuer of signed grant tokens.
	GrantTokenIssuer = "entitlements-license-server"

	// GrantTokenAudience is the audience of signed grant tokens.
	GrantTokenAudience = "entitlements-client"
)

var (
	ErrPublicKeyInvalid   = errors.New("invalid license server public key")
	ErrGrantTokenMissing  = errors.New("license server response is missing grant_token")
	ErrGrantTokenSubject  = errors.New("grant token subject does not match license key")
	ErrGrantTokenDevice   = errors.New("grant token was issued for a different device")
	ErrPrivateKeyRequired = errors.New("grant token private key is required")
)

// GrantClaims is the signed form of a license server answer.
type GrantClaims struct {
	Status            string           `json:"status"`
	Plan              string           `json:"plan,omitempty"`
	PeriodStart       *jwt.NumericDate `json:"period_start,omitempty"`
	PeriodEnd         *jwt.NumericDate `json:"period_end,omitempty"`
	TrialEndsAt       *jwt.NumericDate `json:"trial_ends_at,omitempty"`
	GracePeriodEndsAt *jwt.NumericDate `json:"grace_period_ends_at,omitempty"`
	MaxDevices        int              `json:"max_devices,omitempty"`
	DeviceID          string           `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// DecodePublicKey decodes a base64 Ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKeyInvalid, err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrPublicKeyInvalid, ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// SignGrantToken signs claims for licenseKey. Defaults are filled for the
// issuer, audience and issue/expiry times.
func SignGrantToken(privateKey ed25519.PrivateKey, licenseKey string, claims GrantClaims, now time.Time) (string, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return "", ErrPrivateKeyRequired
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	claims.Subject = strings.TrimSpace(licenseKey)
	if claims.Issuer == "" {
		claims.Issuer = GrantTokenIssuer
	}
	if len(claims.Audience) == 0 {
		claims.Audience = jwt.ClaimStrings{GrantTokenAudience}
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Hour))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("sign grant token: %w", err)
	}
	return signed, nil
}

// VerifyGrantToken checks the signature, issuer, audience and expiry of
// token and that it was issued for licenseKey and, when set, deviceID.
func VerifyGrantToken(token string, publicKey ed25519.PublicKey, licenseKey, deviceID string, now time.Time) (*GrantClaims, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, ErrPublicKeyInvalid
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrGrantTokenMissing
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := &GrantClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
				return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
			}
			return publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(GrantTokenIssuer),
		jwt.WithAudience(GrantTokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("grant token is invalid")
	}

	if claims.Subject != strings.TrimSpace(licenseKey) {
		return nil, ErrGrantTokenSubject
	}
	if deviceID != "" && claims.DeviceID != "" && claims.DeviceID != deviceID {
		return nil, ErrGrantTokenDevice
	}
	return claims, nil
}

func numericTime(d *jwt.NumericDate) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time.UTC()
	return &t
}

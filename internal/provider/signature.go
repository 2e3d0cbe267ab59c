package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Webhook signature verification. Every scheme operates on the raw body
// bytes before any JSON decode, uses constant-time comparison, and fails
// closed: a provider with no configured secret rejects its webhooks.

func errNoSecret(provider string) error {
	return fmt.Errorf("%w: %s webhook secret not configured", domain.ErrUnauthorized, provider)
}

func errBadSignature(provider string) error {
	return fmt.Errorf("%w: %s signature mismatch", domain.ErrUnauthorized, provider)
}

// verifyHMACHex checks a lowercase-hex HMAC-SHA256 of the raw body.
func verifyHMACHex(provider, secret string, raw []byte, signature string) error {
	if secret == "" {
		return errNoSecret(provider)
	}
	if signature == "" {
		return errBadSignature(provider)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(signature))) {
		return errBadSignature(provider)
	}
	return nil
}

// verifyHMACBase64 checks a standard-base64 HMAC-SHA256 of the raw body.
func verifyHMACBase64(provider, secret string, raw []byte, signature string) error {
	if secret == "" {
		return errNoSecret(provider)
	}
	given, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(given) == 0 {
		return errBadSignature(provider)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	if !hmac.Equal(mac.Sum(nil), given) {
		return errBadSignature(provider)
	}
	return nil
}

// verifyToken checks a shared-token header. Both sides are hashed first
// so the comparison is constant-time regardless of length.
func verifyToken(provider, secret, token string) error {
	if secret == "" {
		return errNoSecret(provider)
	}
	if token == "" {
		return errBadSignature(provider)
	}
	wantSum := sha256.Sum256([]byte(secret))
	gotSum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(wantSum[:], gotSum[:]) != 1 {
		return errBadSignature(provider)
	}
	return nil
}

// verifyTimestampedHMAC checks a `<unix>,<hex>` header where the
// signature covers "{ts}.{raw}". The prefixed `t=<unix>,v1=<hex>` form
// some SDKs emit is accepted too. Events outside the tolerance window
// are rejected to stop replays.
func verifyTimestampedHMAC(provider, secret string, raw []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return errNoSecret(provider)
	}
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if k, v, ok := strings.Cut(part, "="); ok {
			switch k {
			case "t":
				ts, _ = strconv.ParseInt(v, 10, 64)
			case "v1":
				sig = v
			}
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil && ts == 0 {
			ts = n
			continue
		}
		if sig == "" {
			sig = part
		}
	}
	if ts == 0 || sig == "" {
		return errBadSignature(provider)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: %s signature timestamp outside tolerance", domain.ErrUnauthorized, provider)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(raw)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return errBadSignature(provider)
	}
	return nil
}

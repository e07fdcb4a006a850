package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Validation failures for the inbound path. All checks fail closed: any error
// must short-circuit before the payload is parsed or persisted.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrClockSkew        = errors.New("timestamp outside allowed skew")
	ErrNotAllowlisted   = errors.New("source ip not allowlisted")
)

// ValidateSignature recomputes the HMAC over the raw body and compares it to
// the header value in constant time. The header accepts an optional "sha256="
// prefix.
func ValidateSignature(signatureHeader string, rawBody []byte, secret string) error {
	sig := strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256=")
	provided, err := hex.DecodeString(sig)
	if err != nil || len(provided) == 0 {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// EnforceClockSkew rejects requests whose unix-seconds timestamp header
// differs from now by more than maxSkew, defending against replay.
func EnforceClockSkew(timestampHeader string, maxSkew time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	sent := time.Unix(ts, 0)
	if sent.Before(now.Add(-maxSkew)) || sent.After(now.Add(maxSkew)) {
		return ErrClockSkew
	}
	return nil
}

// CheckAllowlist rejects when the allowlist is non-empty and the source is
// absent. Entries may be single addresses or CIDR prefixes. An empty
// allowlist allows all sources.
func CheckAllowlist(sourceIP string, allowlist []string) error {
	if len(allowlist) == 0 {
		return nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(sourceIP))
	if err != nil {
		return ErrNotAllowlisted
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return nil
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed == addr {
			return nil
		}
	}
	return ErrNotAllowlisted
}

// Package signature signs and verifies billing webhook payloads.
//
// The header format is "t=<unix seconds>,v1=<hex hmac>" where the MAC is
// HMAC-SHA256 over "<t>.<raw body>". Several v1 entries may be present while
// the provider rotates secrets; any match is accepted.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	timestampKey = "t"
	schemeV1     = "v1"
	futureSkew   = time.Minute
)

var (
	ErrMissingSecret   = errors.New("signature: secret is required")
	ErrMissingHeader   = errors.New("signature: header is missing")
	ErrMalformedHeader = errors.New("signature: malformed header")
	ErrTooOld          = errors.New("signature: timestamp outside tolerance")
	ErrFuture          = errors.New("signature: timestamp is in the future")
	ErrMismatch        = errors.New("signature: mismatch")
	ErrEmptyPayload    = errors.New("signature: payload cannot be empty")
)

// Header is a parsed signature header.
type Header struct {
	Timestamp  int64
	Signatures []string
}

// Verifier checks payloads against a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier. A zero tolerance disables the age check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// WithClock overrides the time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify authenticates payload against the raw header value.
func (v *Verifier) Verify(payload []byte, header string) error {
	if len(v.secret) == 0 {
		return ErrMissingSecret
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	parsed, err := Parse(header)
	if err != nil {
		return err
	}

	if v.tolerance > 0 {
		signedAt := time.Unix(parsed.Timestamp, 0)
		now := v.now()
		if now.Sub(signedAt) > v.tolerance {
			return ErrTooOld
		}
		if signedAt.Sub(now) > futureSkew {
			return ErrFuture
		}
	}

	expected := compute(v.secret, parsed.Timestamp, payload)
	matched := false
	for _, candidate := range parsed.Signatures {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			matched = true
		}
	}
	if !matched {
		return ErrMismatch
	}
	return nil
}

// Parse splits a "t=..,v1=.." header.
func Parse(header string) (Header, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Header{}, ErrMissingHeader
	}

	var out Header
	haveTimestamp := false
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Header{}, ErrMalformedHeader
		}
		switch key {
		case timestampKey:
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Header{}, fmt.Errorf("%w: timestamp %q", ErrMalformedHeader, value)
			}
			out.Timestamp = ts
			haveTimestamp = true
		case schemeV1:
			if value != "" {
				out.Signatures = append(out.Signatures, value)
			}
		}
	}
	if !haveTimestamp || len(out.Signatures) == 0 {
		return Header{}, ErrMalformedHeader
	}
	return out, nil
}

// Sign produces a header value for payload at the given time.
func Sign(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := compute([]byte(secret), ts, payload)
	return fmt.Sprintf("%s=%d,%s=%s", timestampKey, ts, schemeV1, hex.EncodeToString(mac))
}

func compute(secret []byte, ts int64, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}

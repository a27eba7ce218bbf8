// Package eventbus implements the signed event fan-out that backs the
// service's Server-Sent Events surface: every job-lifecycle event is
// appended to a per-session list in the shared state store and signed so a
// downstream consumer can detect tampering or a secret mismatch between
// producer and admin consumer processes.
package eventbus

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadSignature is returned by Verify when the computed HMAC does not
// match the envelope's recorded signature.
var ErrBadSignature = errors.New("eventbus: signature mismatch")

// Event is a single lifecycle notification: model_load_start,
// inference_start, model_complete, roast_complete, simnibs_error, job_failed,
// and the like. Payload is kept as raw JSON so producers can attach
// event-specific fields without a shared schema.
type Event struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Seq       int64           `json:"seq"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the signed wire form of an Event: the canonical JSON encoding
// of Event plus an HMAC-SHA256 signature over that encoding, hex-encoded.
type Envelope struct {
	Event     Event  `json:"event"`
	Signature string `json:"sig"`
}

// Sign produces a canonical JSON encoding of ev and an envelope carrying its
// HMAC-SHA256 signature under secret. Canonical encoding here means
// encoding/json's deterministic output from a json.Encoder with HTML
// escaping turned off (struct field order is fixed) — sufficient since both signer and
// verifier are this same package.
func Sign(ev Event, secret []byte) (Envelope, error) {
	canonical, err := canonicalize(ev)
	if err != nil {
		return Envelope{}, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return Envelope{Event: ev, Signature: hex.EncodeToString(mac.Sum(nil))}, nil
}

// Verify recomputes the signature over env.Event and compares it against
// env.Signature in constant time.
func Verify(env Envelope, secret []byte) error {
	canonical, err := canonicalize(env.Event)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("eventbus: decode signature: %w", err)
	}
	if !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

// Marshal serializes an Envelope for storage as a single shared-state list
// element.
func Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal parses a previously-marshaled Envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("eventbus: unmarshal envelope: %w", err)
	}
	return env, nil
}

func canonicalize(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, fmt.Errorf("eventbus: canonicalize event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

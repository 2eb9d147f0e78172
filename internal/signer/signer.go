// Package signer produces Ed25519-signed envelopes around event
// payloads. See spec.md §4.3 and §9 ("Signer key material").
package signer

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MercuriusDream/Canaria/internal/model"
)

// Signer holds a single Ed25519 private key loaded once at
// construction. Signing is deterministic: identical canonical payloads
// produce identical signatures under the same key.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// New builds a Signer from a raw 64-byte Ed25519 private key (seed ||
// public key, the stdlib's ed25519.PrivateKey encoding).
func New(priv ed25519.PrivateKey) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("signer: could not derive public key")
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewFromSeed derives a signer from a 32-byte seed. This is the
// deployment-time secret injection path spec.md §9 requires production
// deployments to use in place of the embedded development seed in
// devkey.go.
func NewFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return New(ed25519.NewKeyFromSeed(seed))
}

// PublicKey returns the signer's public key, for verification by
// downstream consumers of the signed-event feed.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign produces a signed envelope over the canonical string
// serialization of value. encoding/json sorts map keys on marshal,
// which is what makes repeated calls over an equal value deterministic.
func (s *Signer) Sign(value any) (model.SignedEvent, error) {
	payload, err := canonicalPayload(value)
	if err != nil {
		return model.SignedEvent{}, fmt.Errorf("signer: canonicalize: %w", err)
	}

	sig := ed25519.Sign(s.priv, []byte(payload))
	return model.SignedEvent{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: time.Now().UTC().UnixMilli(),
	}, nil
}

// Verify checks a signature against a canonical payload under pub.
func Verify(pub ed25519.PublicKey, payload string, signatureB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("signer: decode signature: %w", err)
	}
	return ed25519.Verify(pub, []byte(payload), sig), nil
}

func canonicalPayload(value any) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Package signature verifies webhook callbacks and signs endpoint
// validation challenges with ed25519 keys.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Result is the outcome of a verification. Callers only ever learn
// Valid or Invalid.
type Result int

const (
	Invalid Result = iota
	Valid
)

func (r Result) String() string {
	if r == Valid {
		return "valid"
	}
	return "invalid"
}

// Verifier checks callback signatures against a fixed public key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier returns a Verifier for key.
func NewVerifier(key ed25519.PublicKey) (*Verifier, error) {
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verification key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	k := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(k, key)
	return &Verifier{key: k}, nil
}

// Verify checks a lowercase hex signature over timestamp, nonce and body,
// concatenated in that order. Any other encoding of the same bytes is Invalid.
func (v *Verifier) Verify(body, signature []byte, timestamp, nonce string) Result {
	if v == nil || len(body) == 0 || timestamp == "" || nonce == "" {
		return Invalid
	}

	sig := make([]byte, hex.DecodedLen(len(signature)))
	n, err := hex.Decode(sig, signature)
	if err != nil || n != ed25519.SignatureSize {
		return Invalid
	}
	if hex.EncodeToString(sig[:n]) != string(signature) {
		return Invalid
	}

	if !ed25519.Verify(v.key, signedMessage(timestamp, nonce, body), sig[:n]) {
		return Invalid
	}
	return Valid
}

// PublicKey returns a copy of the verification key.
func (v *Verifier) PublicKey() ed25519.PublicKey {
	k := make(ed25519.PublicKey, len(v.key))
	copy(k, v.key)
	return k
}

func signedMessage(timestamp, nonce string, body []byte) []byte {
	msg := make([]byte, 0, len(timestamp)+len(nonce)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, nonce...)
	msg = append(msg, body...)
	return msg
}

// ParsePublicKey decodes hex-encoded ed25519 public key material.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// KeyFromSecret derives the bot key pair from the bot secret. The seed is
// the secret repeated until it fills ed25519.SeedSize bytes.
func KeyFromSecret(secret string) (ed25519.PrivateKey, error) {
	if secret == "" {
		return nil, errors.New("bot secret is empty")
	}
	seed := make([]byte, 0, ed25519.SeedSize+len(secret))
	for len(seed) < ed25519.SeedSize {
		seed = append(seed, secret...)
	}
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]), nil
}

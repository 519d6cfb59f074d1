package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Signer produces signatures with the bot's private key. It answers
// endpoint validation challenges and signs test callbacks.
type Signer struct {
	key ed25519.PrivateKey
}

func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	return &Signer{key: key}, nil
}

// NewSignerFromSecret derives the signing key from the bot secret.
func NewSignerFromSecret(secret string) (*Signer, error) {
	key, err := KeyFromSecret(secret)
	if err != nil {
		return nil, err
	}
	return NewSigner(key)
}

// Sign returns the hex signature a callback sender would put in X-Signature.
func (s *Signer) Sign(timestamp, nonce string, body []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.key, signedMessage(timestamp, nonce, body)))
}

// SignChallenge signs event_ts followed by plain_token.
func (s *Signer) SignChallenge(eventTS, plainToken string) string {
	msg := make([]byte, 0, len(eventTS)+len(plainToken))
	msg = append(msg, eventTS...)
	msg = append(msg, plainToken...)
	return hex.EncodeToString(ed25519.Sign(s.key, msg))
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Verifier returns a Verifier for this signer's public key.
func (s *Signer) Verifier() *Verifier {
	return &Verifier{key: s.PublicKey()}
}

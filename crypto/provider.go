// Package crypto is the narrow crypto interface used by consensus and
// blockchain code, mirroring the teacher's CryptoProvider seam
// (clients/go/crypto/provider.go) but backed by Ed25519 consensus
// signatures and a SHA3-256 auxiliary digest instead of the teacher's
// post-quantum verification hooks.
package crypto

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Provider is the crypto seam consensus code depends on, so that signing
// and verification can be swapped (an HSM-backed implementation, for
// instance) without consensus code knowing about key material directly.
type Provider interface {
	Sign(priv ed25519.PrivateKey, msg []byte) []byte
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
	AuxDigest(input []byte) [32]byte
}

// Default is the standard-library-backed Provider: Ed25519 for consensus
// message and block signatures, SHA3-256 (golang.org/x/crypto/sha3) as
// the auxiliary digest used for non-protocol-critical fingerprints (peer
// id derivation, log correlation) that intentionally avoid colliding with
// the SHA-256-based object-hash domain in package hash.
type Default struct{}

func (Default) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func (Default) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}

func (Default) AuxDigest(input []byte) [32]byte {
	return sha3.Sum256(input)
}

// GenerateKey generates a fresh Ed25519 keypair for validator or node
// identity material.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return pub, priv, nil
}

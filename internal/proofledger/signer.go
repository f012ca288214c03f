package proofledger

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Signer is an optional hook that signs an event hash before storage.
// Implementations must be safe for concurrent use.
type Signer interface {
	// Sign returns the signer identity and the signature over hash.
	Sign(hash string) (signedBy, signature string)
}

// NoopSigner leaves events unsigned. It is the default when no signing key
// is configured.
type NoopSigner struct{}

func (NoopSigner) Sign(string) (string, string) { return "", "" }

// Ed25519Signer signs event hashes with an Ed25519 private key.
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer creates a signer identified by keyID.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: keyID, key: key}
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(hash string) (string, string) {
	sig := ed25519.Sign(s.key, []byte(hash))
	return s.keyID, hex.EncodeToString(sig)
}

// VerifyEventSignature checks an event's signature against the given public key.
func VerifyEventSignature(e *Event, pub ed25519.PublicKey) bool {
	if e.Signature == "" {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(e.EventHash), sig)
}

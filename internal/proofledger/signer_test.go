package proofledger_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/vorion-labs/cognigate/internal/proofledger"
)

func newTestSigner(t *testing.T) (*proofledger.Ed25519Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return proofledger.NewEd25519Signer("test-key", priv), pub
}

package testutil

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"

	"github.com/roach88/worldline/internal/ir"
)

// AdapterKey derives a fixed ed25519 key from an adapter id. The same id
// always yields the same key, so golden journals stay byte-stable.
func AdapterKey(adapterID string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte("worldline-test-adapter/" + adapterID))
	return ed25519.NewKeyFromSeed(seed[:])
}

// PublicKeyBase64 returns the manifest encoding of the adapter's public key.
func PublicKeyBase64(adapterID string) string {
	pub := AdapterKey(adapterID).Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}

// SignReceipt fills in AdapterID and Signature using the adapter's test key.
func SignReceipt(adapterID string, r ir.Receipt) ir.Receipt {
	r.AdapterID = adapterID
	r.Signature = ed25519.Sign(AdapterKey(adapterID), r.SigningBytes())
	return r
}

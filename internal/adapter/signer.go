package adapter

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/roach88/worldline/internal/ir"
)

// Signer produces receipts signed with one adapter's ed25519 key.
type Signer struct {
	id  string
	key ed25519.PrivateKey
}

// NewSigner returns a signer for adapter id.
func NewSigner(id string, key ed25519.PrivateKey) *Signer {
	return &Signer{id: id, key: key}
}

// ID returns the adapter id stamped on receipts.
func (s *Signer) ID() string { return s.id }

// PublicKeyBase64 is the value to declare in the manifest's adapter entry.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Sign stamps the adapter id on r and signs it.
func (s *Signer) Sign(r ir.Receipt) ir.Receipt {
	r.AdapterID = s.id
	if r.Payload == nil {
		r.Payload = []byte{}
	}
	r.Signature = ed25519.Sign(s.key, r.SigningBytes())
	return r
}

// OK builds a signed ok receipt with payload encoded as canonical JSON.
func (s *Signer) OK(intentHash string, payload any, cost int64) (ir.Receipt, error) {
	b, err := ir.CanonicalJSON(payload)
	if err != nil {
		return ir.Receipt{}, fmt.Errorf("receipt payload: %w", err)
	}
	return s.Sign(ir.Receipt{IntentHash: intentHash, Status: ir.ReceiptOK, Payload: b, Cost: cost}), nil
}

// Fail builds a signed error or timeout receipt carrying a message.
func (s *Signer) Fail(intentHash string, status ir.ReceiptStatus, message string) (ir.Receipt, error) {
	if status == ir.ReceiptOK || !status.Valid() {
		return ir.Receipt{}, fmt.Errorf("fail receipt with status %q", status)
	}
	var payload []byte
	if message != "" {
		payload = ir.MustCanonicalJSON(map[string]string{"message": message})
	}
	return s.Sign(ir.Receipt{IntentHash: intentHash, Status: status, Payload: payload}), nil
}

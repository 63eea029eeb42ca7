package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for an algorithm migration.
const (
	DomainIntent   = "worldline/intent/v1"
	DomainRecord   = "worldline/record/v1"
	DomainBlob     = "worldline/blob/v1"
	DomainKey      = "worldline/key/v1"
	DomainSnapshot = "worldline/snapshot/v1"
	DomainManifest = "worldline/manifest/v1"
	DomainCellRoot = "worldline/cellroot/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data) as lowercase hex.
// The null separator removes any ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// IntentHash computes the identity of an effect intent.
//
// The origin module and instance key are part of the preimage: two instances
// emitting the same kind and params under the same cap get different hashes,
// so their receipts can never be confused.
func IntentHash(kind string, params []byte, capName, idempotencyKey, originModule string, originKey []byte) (string, error) {
	paramsVal, err := UnmarshalIRValue(params)
	if err != nil {
		return "", fmt.Errorf("IntentHash: params: %w", err)
	}
	obj := IRObject{
		"kind":            IRString(kind),
		"params":          paramsVal,
		"cap_name":        IRString(capName),
		"idempotency_key": IRString(idempotencyKey),
		"origin_module":   IRString(originModule),
	}
	// An unkeyed origin hashes differently from any keyed one because the
	// member is absent rather than empty.
	if len(originKey) > 0 {
		keyVal, err := UnmarshalIRValue(originKey)
		if err != nil {
			return "", fmt.Errorf("IntentHash: origin key: %w", err)
		}
		obj["origin_key"] = keyVal
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("IntentHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainIntent, canonical), nil
}

// RecordHash chains a journal record to its predecessor.
// The preimage is prev || seq || kind || body, each length-prefixed.
func RecordHash(prevHash string, seq int64, kind string, body []byte) string {
	var pre []byte
	for _, part := range [][]byte{[]byte(prevHash), []byte(strconv.FormatInt(seq, 10)), []byte(kind), body} {
		pre = strconv.AppendInt(pre, int64(len(part)), 10)
		pre = append(pre, ':')
		pre = append(pre, part...)
	}
	return hashWithDomain(DomainRecord, pre)
}

// BlobHash is the content address of bytes in the blob store.
func BlobHash(data []byte) string {
	return hashWithDomain(DomainBlob, data)
}

// KeyHash is the index key of a cell given its canonical key bytes.
func KeyHash(canonicalKey []byte) string {
	return hashWithDomain(DomainKey, canonicalKey)
}

// SnapshotHash hashes an encoded snapshot body. It doubles as the world state hash.
func SnapshotHash(body []byte) string {
	return hashWithDomain(DomainSnapshot, body)
}

// ManifestHash hashes a canonically encoded manifest.
func ManifestHash(body []byte) string {
	return hashWithDomain(DomainManifest, body)
}

// CellRootHash hashes the canonical encoding of a module's sorted cell index.
func CellRootHash(canonicalEntries []byte) string {
	return hashWithDomain(DomainCellRoot, canonicalEntries)
}

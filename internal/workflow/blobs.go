package workflow

import (
	"errors"
	"sync"

	"github.com/roach88/worldline/internal/ir"
)

// ErrBlobNotFound is returned by MemBlobs for unknown hashes.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is a content-addressed byte store. Put is idempotent.
type BlobStore interface {
	PutBlob(data []byte) (string, error)
	GetBlob(hash string) ([]byte, error)
}

// MemBlobs is an in-memory BlobStore. With a non-nil Base, reads fall through
// to Base and writes stay in memory, which lets replay verification run
// without writing to the journal it is checking.
type MemBlobs struct {
	Base BlobStore

	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemBlobs returns an empty store over an optional base.
func NewMemBlobs(base BlobStore) *MemBlobs {
	return &MemBlobs{Base: base, blobs: make(map[string][]byte)}
}

// PutBlob implements BlobStore.
func (m *MemBlobs) PutBlob(data []byte) (string, error) {
	hash := ir.BlobHash(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

// GetBlob implements BlobStore.
func (m *MemBlobs) GetBlob(hash string) ([]byte, error) {
	m.mu.RLock()
	b, ok := m.blobs[hash]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}
	if m.Base != nil {
		return m.Base.GetBlob(hash)
	}
	return nil, ErrBlobNotFound
}

// Drain returns the blobs written since the last Drain and forgets them, so
// later reads fall through to Base. Used once the blobs have been persisted.
func (m *MemBlobs) Drain() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.blobs
	m.blobs = make(map[string][]byte)
	return out
}

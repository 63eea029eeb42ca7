package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/worldline/internal/ir"
)

// PutBlob stores data under its content hash outside of any batch. Used for
// data that is not tied to a delivery, such as manifests loaded by tools.
func (j *Journal) PutBlob(ctx context.Context, data []byte) (string, error) {
	hash := ir.BlobHash(data)
	if _, err := j.db.ExecContext(ctx,
		`INSERT INTO blobs (hash, data) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING`,
		hash, data); err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return hash, nil
}

// GetBlob returns the bytes stored under hash.
func (j *Journal) GetBlob(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := j.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// BlobReader adapts the blob table to the context-free read side of a blob
// store. Writes go through Commit.
type BlobReader struct {
	j   *Journal
	ctx context.Context
}

// Blobs returns a BlobReader bound to ctx.
func (j *Journal) Blobs(ctx context.Context) *BlobReader {
	return &BlobReader{j: j, ctx: ctx}
}

// GetBlob implements the read side of workflow.BlobStore.
func (b *BlobReader) GetBlob(hash string) ([]byte, error) {
	return b.j.GetBlob(b.ctx, hash)
}

// PutBlob writes directly to the blob table.
func (b *BlobReader) PutBlob(data []byte) (string, error) {
	return b.j.PutBlob(b.ctx, data)
}

package journal

import (
	"context"
	"fmt"
)

// Batch is everything one delivery writes.
type Batch struct {
	Records   []Record
	Blobs     map[string][]byte
	Snapshots []Snapshot
}

// Empty reports whether the batch writes nothing.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && len(b.Blobs) == 0 && len(b.Snapshots) == 0
}

// Commit writes a batch in one transaction. The records must extend the
// current head exactly; otherwise nothing is written and a ChainError is
// returned. Blob writes are idempotent.
func (j *Journal) Commit(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback()

	var h Head
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0), COALESCE((SELECT hash FROM records ORDER BY seq DESC LIMIT 1), '') FROM records`).Scan(&h.Seq, &h.Hash)
	if err != nil {
		return fmt.Errorf("commit: read head: %w", err)
	}

	for _, r := range b.Records {
		if err := h.check(r); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (seq, kind, body, prev_hash, hash) VALUES (?, ?, ?, ?, ?)`,
			r.Seq, r.Kind, r.Body, r.PrevHash, r.Hash); err != nil {
			return fmt.Errorf("commit: insert record %d: %w", r.Seq, err)
		}
		h = r.After()
	}

	for hash, data := range b.Blobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (hash, data) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING`,
			hash, data); err != nil {
			return fmt.Errorf("commit: insert blob %s: %w", hash, err)
		}
	}

	for _, s := range b.Snapshots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (seq, hash, body) VALUES (?, ?, ?)`,
			s.Seq, s.Hash, s.Body); err != nil {
			return fmt.Errorf("commit: insert snapshot %d: %w", s.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

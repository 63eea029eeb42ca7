package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/worldline/internal/ir"
)

// Record is one journaled fact.
type Record struct {
	Seq      int64  `json:"seq"`
	Kind     string `json:"kind"`
	Body     []byte `json:"body"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Head is the position of the journal's last record. The zero Head is an
// empty journal.
type Head struct {
	Seq  int64
	Hash string
}

// Next builds the record that follows h. body must already be canonical.
func (h Head) Next(kind string, body []byte) Record {
	seq := h.Seq + 1
	return Record{
		Seq:      seq,
		Kind:     kind,
		Body:     body,
		PrevHash: h.Hash,
		Hash:     ir.RecordHash(h.Hash, seq, kind, body),
	}
}

// After returns the head positioned at r.
func (r Record) After() Head {
	return Head{Seq: r.Seq, Hash: r.Hash}
}

// ChainError reports a record that does not extend the chain.
type ChainError struct {
	Seq    int64
	Reason string
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	return fmt.Sprintf("journal chain broken at seq %d: %s", e.Seq, e.Reason)
}

// check verifies that r directly follows h.
func (h Head) check(r Record) error {
	if r.Seq != h.Seq+1 {
		return &ChainError{Seq: r.Seq, Reason: fmt.Sprintf("expected seq %d", h.Seq+1)}
	}
	if r.PrevHash != h.Hash {
		return &ChainError{Seq: r.Seq, Reason: "prev_hash does not match predecessor"}
	}
	if !ir.ValidRecordKind(r.Kind) {
		return &ChainError{Seq: r.Seq, Reason: fmt.Sprintf("unknown record kind %q", r.Kind)}
	}
	if want := ir.RecordHash(r.PrevHash, r.Seq, r.Kind, r.Body); r.Hash != want {
		return &ChainError{Seq: r.Seq, Reason: "hash does not match contents"}
	}
	return nil
}

// Head returns the position of the last record.
func (j *Journal) Head(ctx context.Context) (Head, error) {
	var h Head
	err := j.db.QueryRowContext(ctx, `SELECT seq, hash FROM records ORDER BY seq DESC LIMIT 1`).Scan(&h.Seq, &h.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("read head: %w", err)
	}
	return h, nil
}

// Get returns the record at seq.
func (j *Journal) Get(ctx context.Context, seq int64) (Record, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT seq, kind, body, prev_hash, hash FROM records WHERE seq = ?`, seq)
	var r Record
	err := row.Scan(&r.Seq, &r.Kind, &r.Body, &r.PrevHash, &r.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("record %d: %w", seq, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record %d: %w", seq, err)
	}
	return r, nil
}

// Records returns records with seq >= from, in seq order. A non-empty kind
// filters to that kind.
func (j *Journal) Records(ctx context.Context, from int64, kind string) ([]Record, error) {
	query := `SELECT seq, kind, body, prev_hash, hash FROM records WHERE seq >= ? ORDER BY seq ASC`
	args := []any{from}
	if kind != "" {
		query = `SELECT seq, kind, body, prev_hash, hash FROM records WHERE seq >= ? AND kind = ? ORDER BY seq ASC`
		args = append(args, kind)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Seq, &r.Kind, &r.Body, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// VerifyChain walks the whole journal and checks every link.
func (j *Journal) VerifyChain(ctx context.Context) (Head, error) {
	recs, err := j.Records(ctx, 1, "")
	if err != nil {
		return Head{}, err
	}
	var h Head
	for _, r := range recs {
		if err := h.check(r); err != nil {
			return h, err
		}
		h = r.After()
	}
	return h, nil
}

// CountByKind returns the number of records of each kind.
func (j *Journal) CountByKind(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM records GROUP BY kind ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}

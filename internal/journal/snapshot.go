package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Snapshot is a stored snapshot body. Seq is the seq of the snapshot record
// that announced it; the body reflects every record up to and including Seq.
type Snapshot struct {
	Seq  int64
	Hash string
	Body []byte
}

// LatestSnapshot returns the snapshot with the highest seq.
func (j *Journal) LatestSnapshot(ctx context.Context) (Snapshot, error) {
	return j.scanSnapshot(j.db.QueryRowContext(ctx,
		`SELECT seq, hash, body FROM snapshots ORDER BY seq DESC LIMIT 1`))
}

// SnapshotAt returns the snapshot stored at seq.
func (j *Journal) SnapshotAt(ctx context.Context, seq int64) (Snapshot, error) {
	return j.scanSnapshot(j.db.QueryRowContext(ctx,
		`SELECT seq, hash, body FROM snapshots WHERE seq = ?`, seq))
}

// Snapshots lists stored snapshots without bodies, oldest first.
func (j *Journal) Snapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT seq, hash FROM snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.Seq, &s.Hash); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *Journal) scanSnapshot(row *sql.Row) (Snapshot, error) {
	var s Snapshot
	err := row.Scan(&s.Seq, &s.Hash, &s.Body)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return s, nil
}

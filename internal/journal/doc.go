// Package journal is the SQLite-backed append-only journal of a world.
//
// Tables:
//   - records: every fact, seq-ordered and hash-chained (hash covers the
//     previous hash, seq, kind and canonical body)
//   - blobs: content-addressed bytes (module state, manifests)
//   - snapshots: periodic encodings of derived state, keyed by the seq of
//     their snapshot record
//   - meta: world identity and format versions
//
// A delivery's records, new blobs and snapshots are written by one Commit in
// one transaction, so a crash never leaves a partially journaled step.
//
// Database configuration follows the single-writer model: WAL mode,
// synchronous=NORMAL, a busy timeout, foreign keys on, and one connection.
package journal

package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/snapshot"
)

func (w *World) genesis(ctx context.Context, man *manifest.Manifest) error {
	if errs := man.Validate(); len(errs) > 0 {
		return manifest.Errors(errs)
	}
	now := w.time.stamp()
	res, err := w.transact(ctx, now, func() (Result, error) {
		return w.swapManifest(man, now)
	})
	if err != nil {
		return err
	}
	w.logger.Info("world created", "manifest_hash", w.manifestHash, "seq", res.Seq)
	return nil
}

// swapManifest records a manifest_swap and activates man. The canonical
// encoding is stored as a blob in the same commit.
func (w *World) swapManifest(man *manifest.Manifest, now int64) (Result, error) {
	encoded, err := man.Encode()
	if err != nil {
		return Result{}, err
	}
	blob, err := w.blobs.PutBlob(encoded)
	if err != nil {
		return Result{}, err
	}
	hash := ir.ManifestHash(encoded)
	version := w.manifestVersion + 1
	seq, err := w.sink.Record(ir.RecordManifestSwap, ManifestSwapRecord{
		ManifestHash: hash,
		Blob:         blob,
		Version:      version,
		NowNs:        now,
	})
	if err != nil {
		return Result{}, err
	}
	w.manifest = man
	w.manifestHash = hash
	w.manifestVersion = version
	return Result{Seq: seq}, nil
}

// ApplyManifest swaps the active manifest. The world must be quiescent: no
// waiting instances and no pending intents.
func (w *World) ApplyManifest(ctx context.Context, man *manifest.Manifest) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poisoned != nil {
		return Result{}, &PoisonedError{Cause: w.poisoned}
	}
	if errs := man.Validate(); len(errs) > 0 {
		return Result{}, manifest.Errors(errs)
	}
	if err := w.quiescence(); err != nil {
		return Result{}, err
	}
	prev := w.manifestHash
	now := w.time.stamp()
	res, err := w.transact(ctx, now, func() (Result, error) {
		return w.swapManifest(man, now)
	})
	if err != nil {
		return Result{}, err
	}
	w.logger.Info("manifest swapped", "from", short(prev), "to", short(w.manifestHash), "version", w.manifestVersion, "seq", res.Seq)
	return res, nil
}

// Quiescence returns a QuiescenceError if a manifest swap would be refused.
func (w *World) Quiescence() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.quiescence()
}

func (w *World) quiescence() error {
	var qe QuiescenceError
	for _, in := range w.runtime.Blocked() {
		qe.Instances = append(qe.Instances, in.Origin().String())
	}
	for _, p := range w.index.Entries() {
		qe.Intents = append(qe.Intents, p.IntentHash)
	}
	if len(qe.Instances) == 0 && len(qe.Intents) == 0 {
		return nil
	}
	return &qe
}

// TakeSnapshot records a snapshot of the current state and commits it.
// Snapshots are not inputs of their own and do not advance the clock.
func (w *World) TakeSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poisoned != nil {
		return snapshot.Snapshot{}, &PoisonedError{Cause: w.poisoned}
	}
	return w.takeSnapshot(ctx)
}

func (w *World) takeSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	seq := w.sink.nextSeq()
	snap, err := w.snapshotValue(seq)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	body, hash, err := snap.Encode()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if _, err := w.sink.Record(ir.RecordSnapshot, snapshot.Record{Hash: hash}); err != nil {
		return snapshot.Snapshot{}, err
	}
	w.sink.snapshots = append(w.sink.snapshots, journal.Snapshot{Seq: seq, Hash: hash, Body: body})
	if err := w.commit(ctx); err != nil {
		return snapshot.Snapshot{}, err
	}
	w.lastSnapshotSeq = seq
	w.logger.Info("snapshot taken", "seq", seq, "hash", short(hash), "instances", len(snap.Instances), "pending", len(snap.Pending))
	return snap, nil
}

// maybeSnapshot takes an automatic snapshot once enough records piled up.
func (w *World) maybeSnapshot(ctx context.Context) {
	every := w.opts.snapshotEvery
	if every <= 0 || w.sink.head.Seq-w.lastSnapshotSeq < every {
		return
	}
	if _, err := w.takeSnapshot(ctx); err != nil {
		w.logger.Error("automatic snapshot failed", "seq", w.sink.nextSeq(), "error", err)
	}
}

// snapshotValue captures the derived state as of seq.
func (w *World) snapshotValue(seq int64) (snapshot.Snapshot, error) {
	roots, err := w.runtime.CellRoots()
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Snapshot{
		Seq:          seq,
		ManifestHash: w.manifestHash,
		NowNs:        w.time.last,
		Instances:    w.runtime.Instances(),
		Pending:      w.index.Entries(),
		Settled:      w.index.ClosedHashes(),
		CellRoots:    roots,
	}, nil
}

// StateHash hashes the derived state at the journal head. Two worlds with
// equal journals have equal state hashes however they were restored.
func (w *World) StateHash() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap, err := w.snapshotValue(w.sink.head.Seq)
	if err != nil {
		return "", err
	}
	return snap.Hash()
}

// Redispatch hands every pending intent to the dispatcher again. Adapters
// are expected to deduplicate by intent hash. Returns the count dispatched.
func (w *World) Redispatch(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries := w.index.Entries()
	intents := make([]ir.EffectIntent, 0, len(entries))
	for _, p := range entries {
		r, err := w.journal.Get(ctx, p.EmittedAtSeq)
		if err != nil {
			return 0, fmt.Errorf("intent %s: %w", short(p.IntentHash), err)
		}
		if r.Kind != ir.RecordEffectIntent {
			return 0, fmt.Errorf("intent %s: seq %d is a %s record", short(p.IntentHash), r.Seq, r.Kind)
		}
		var intent ir.EffectIntent
		if err := json.Unmarshal(r.Body, &intent); err != nil {
			return 0, fmt.Errorf("intent %s: %w", short(p.IntentHash), err)
		}
		intents = append(intents, intent)
	}
	return w.manager.Redispatch(ctx, intents), nil
}

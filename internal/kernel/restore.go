package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/snapshot"
	"github.com/roach88/worldline/internal/workflow"
)

func (w *World) restore(ctx context.Context) error {
	return w.restoreFrom(ctx, true)
}

// restoreFrom rebuilds derived state from the journal. With useSnapshot the
// latest snapshot is loaded and only the tail is folded; otherwise every
// record is folded from seq 1. Both paths must reach the same state.
func (w *World) restoreFrom(ctx context.Context, useSnapshot bool) error {
	head, err := w.journal.VerifyChain(ctx)
	if err != nil {
		return err
	}

	from := int64(1)
	if useSnapshot {
		js, err := w.journal.LatestSnapshot(ctx)
		switch {
		case errors.Is(err, journal.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := w.loadSnapshot(ctx, js); err != nil {
				return fmt.Errorf("snapshot at seq %d: %w", js.Seq, err)
			}
			from = js.Seq + 1
		}
	}

	records, err := w.journal.Records(ctx, from, "")
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := w.fold(ctx, r); err != nil {
			return fmt.Errorf("fold seq %d (%s): %w", r.Seq, r.Kind, err)
		}
	}
	if w.manifest == nil {
		return fmt.Errorf("journal has no manifest_swap record")
	}
	w.sink.rewind(head)

	w.logger.Info("world restored",
		"head", head.Seq,
		"snapshot_seq", w.lastSnapshotSeq,
		"folded", len(records),
		"instances", len(w.runtime.Instances()),
		"pending", w.index.Len())
	return nil
}

func (w *World) loadSnapshot(ctx context.Context, js journal.Snapshot) error {
	snap, err := snapshot.Decode(js.Body, js.Hash)
	if err != nil {
		return err
	}

	swaps, err := w.journal.Records(ctx, 1, ir.RecordManifestSwap)
	if err != nil {
		return err
	}
	var last *journal.Record
	for i := range swaps {
		if swaps[i].Seq > js.Seq {
			break
		}
		last = &swaps[i]
	}
	if last == nil {
		return fmt.Errorf("no manifest_swap before the snapshot")
	}
	if err := w.foldManifest(ctx, last.Body); err != nil {
		return err
	}
	if w.manifestHash != snap.ManifestHash {
		return fmt.Errorf("manifest %s does not match snapshot manifest %s", short(w.manifestHash), short(snap.ManifestHash))
	}

	w.runtime.Restore(snap.Instances)
	if err := w.index.Restore(snap.Pending, snap.Settled); err != nil {
		return err
	}
	roots, err := w.runtime.CellRoots()
	if err != nil {
		return err
	}
	for mod, want := range snap.CellRoots {
		if roots[mod] != want {
			return fmt.Errorf("cell root of %s does not match", mod)
		}
	}
	if len(roots) != len(snap.CellRoots) {
		return fmt.Errorf("snapshot covers %d modules, instances cover %d", len(snap.CellRoots), len(roots))
	}
	w.time.observe(snap.NowNs)
	w.lastSnapshotSeq = js.Seq
	return nil
}

// foldManifest activates the manifest named by a manifest_swap body.
func (w *World) foldManifest(ctx context.Context, body []byte) error {
	var rec ManifestSwapRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return err
	}
	data, err := w.journal.GetBlob(ctx, rec.Blob)
	if err != nil {
		return fmt.Errorf("manifest blob: %w", err)
	}
	if got := ir.ManifestHash(data); got != rec.ManifestHash {
		return fmt.Errorf("manifest blob hashes to %s, record says %s", short(got), short(rec.ManifestHash))
	}
	man, err := manifest.Decode(data)
	if err != nil {
		return err
	}
	w.manifest = man
	w.manifestHash = rec.ManifestHash
	w.manifestVersion = rec.Version
	w.time.observe(rec.NowNs)
	return nil
}

// fold applies one journal record to the derived state without invoking
// any module.
func (w *World) fold(ctx context.Context, r journal.Record) error {
	switch r.Kind {
	case ir.RecordManifestSwap:
		return w.foldManifest(ctx, r.Body)

	case ir.RecordDomainEvent:
		var ev EventRecord
		if err := json.Unmarshal(r.Body, &ev); err != nil {
			return err
		}
		w.time.observe(ev.NowNs)

	case ir.RecordPolicyDecision:

	case ir.RecordEffectIntent:
		var intent ir.EffectIntent
		if err := json.Unmarshal(r.Body, &intent); err != nil {
			return err
		}
		return w.index.Add(ir.PendingIntent{
			IntentHash:   intent.IntentHash,
			Kind:         intent.Kind,
			Origin:       intent.Origin,
			EmittedAtSeq: r.Seq,
		})

	case ir.RecordReceipt:
		var rec ReceiptRecord
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		w.time.observe(rec.NowNs)
		p, ok := w.index.Remove(rec.IntentHash)
		if !ok {
			return fmt.Errorf("receipt for intent %s that is not pending", short(rec.IntentHash))
		}
		w.runtime.Settle(p.Origin, rec.IntentHash)

	case ir.RecordStreamFrame:
		var rec FrameRecord
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		w.time.observe(rec.NowNs)
		if !w.index.Advance(rec.IntentID, rec.Seq) {
			return fmt.Errorf("frame for intent %s that is not pending", short(rec.IntentID))
		}

	case ir.RecordInstanceStep:
		var step workflow.StepRecord
		if err := json.Unmarshal(r.Body, &step); err != nil {
			return err
		}
		w.runtime.ApplyStep(step)
		w.index.RemoveAll(step.Drained)

	case ir.RecordSnapshot:
		var rec snapshot.Record
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		snap, err := w.snapshotValue(r.Seq)
		if err != nil {
			return err
		}
		got, err := snap.Hash()
		if err != nil {
			return err
		}
		if got != rec.Hash {
			return fmt.Errorf("folded state hashes to %s, snapshot says %s", short(got), short(rec.Hash))
		}
		w.lastSnapshotSeq = r.Seq

	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

// FoldResult is the state reached by folding a journal.
type FoldResult struct {
	Head            journal.Head
	StateHash       string
	SnapshotSeq     int64
	ManifestHash    string
	ManifestVersion int64
	NowNs           int64
	Instances       []workflow.Instance
	Pending         []ir.PendingIntent
}

// FoldState rebuilds derived state from j without running any module and
// without writing to j. useSnapshot starts from the latest snapshot.
func FoldState(ctx context.Context, j *journal.Journal, useSnapshot bool, logger *slog.Logger) (FoldResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{
		limits:        workflow.DefaultLimits,
		clock:         WallClock,
		maxDeliveries: DefaultMaxDeliveries,
		logger:        logger,
	}
	w := newWorld(ctx, j, module.NewRegistry(), o)
	if err := w.restoreFrom(ctx, useSnapshot); err != nil {
		return FoldResult{}, err
	}
	snap, err := w.snapshotValue(w.sink.head.Seq)
	if err != nil {
		return FoldResult{}, err
	}
	hash, err := snap.Hash()
	if err != nil {
		return FoldResult{}, err
	}
	return FoldResult{
		Head:            w.sink.head,
		StateHash:       hash,
		SnapshotSeq:     w.lastSnapshotSeq,
		ManifestHash:    w.manifestHash,
		ManifestVersion: w.manifestVersion,
		NowNs:           w.time.last,
		Instances:       snap.Instances,
		Pending:         snap.Pending,
	}, nil
}

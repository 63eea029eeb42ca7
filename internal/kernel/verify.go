package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/workflow"
)

// VerifyResult summarizes a successful verification.
type VerifyResult struct {
	Records   int
	Inputs    int
	StateHash string
}

// Verify re-executes every input of src against registry in a scratch
// in-memory world and checks that each derived record comes out
// byte-identical. The folded state of src must match the replayed state.
//
// Dispatchers, automatic snapshots and redispatch are disabled regardless
// of opts; nothing is written to src.
func Verify(ctx context.Context, src *journal.Journal, registry *module.Registry, opts ...Option) (VerifyResult, error) {
	o := options{
		limits:        workflow.DefaultLimits,
		clock:         WallClock,
		maxDeliveries: DefaultMaxDeliveries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.dispatcher = nil
	o.snapshotEvery = 0
	o.redispatch = false
	o.genesis = nil

	if _, err := src.VerifyChain(ctx); err != nil {
		return VerifyResult{}, err
	}
	records, err := src.Records(ctx, 1, "")
	if err != nil {
		return VerifyResult{}, err
	}
	if len(records) == 0 {
		return VerifyResult{}, fmt.Errorf("journal is empty")
	}
	if records[0].Kind != ir.RecordManifestSwap {
		return VerifyResult{}, &ReplayDivergenceError{Seq: 1, Kind: records[0].Kind, Reason: "journal does not start with a manifest_swap"}
	}

	mem, err := journal.Open(":memory:")
	if err != nil {
		return VerifyResult{}, err
	}
	defer mem.Close()
	w := newWorld(ctx, mem, registry, o)

	res := VerifyResult{Records: len(records)}
	for i := 0; i < len(records); {
		r := records[i]
		if !isInput(r.Kind, r.Body) {
			return res, &ReplayDivergenceError{Seq: r.Seq, Kind: r.Kind, WantHash: r.Hash, Reason: "replay did not produce this record"}
		}
		before := w.sink.head.Seq
		if err := w.replayInput(ctx, src, r); err != nil {
			return res, &ReplayDivergenceError{Seq: r.Seq, Kind: r.Kind, WantHash: r.Hash, Reason: err.Error()}
		}
		res.Inputs++

		produced, err := mem.Records(ctx, before+1, "")
		if err != nil {
			return res, err
		}
		for k, got := range produced {
			if i+k >= len(records) {
				return res, &ReplayDivergenceError{Seq: got.Seq, Kind: got.Kind, GotHash: got.Hash, Reason: "replay produced a record past the end of the journal"}
			}
			if err := compareRecord(records[i+k], got); err != nil {
				return res, err
			}
		}
		i += len(produced)
	}

	snap, err := w.snapshotValue(w.sink.head.Seq)
	if err != nil {
		return res, err
	}
	if res.StateHash, err = snap.Hash(); err != nil {
		return res, err
	}

	folded, err := FoldState(ctx, src, true, o.logger)
	if err != nil {
		return res, fmt.Errorf("fold source journal: %w", err)
	}
	if folded.StateHash != res.StateHash {
		return res, &ReplayDivergenceError{
			Seq:      folded.Head.Seq,
			Kind:     ir.RecordSnapshot,
			WantHash: folded.StateHash,
			GotHash:  res.StateHash,
			Reason:   "restored state differs from replayed state",
		}
	}
	o.logger.Info("journal verified", "records", res.Records, "inputs", res.Inputs, "state_hash", short(res.StateHash))
	return res, nil
}

func compareRecord(want, got journal.Record) error {
	if want.Seq == got.Seq && want.Kind == got.Kind && want.Hash == got.Hash && bytes.Equal(want.Body, got.Body) {
		return nil
	}
	reason := "record body differs"
	if want.Kind != got.Kind {
		reason = fmt.Sprintf("replay produced %s", got.Kind)
	}
	return &ReplayDivergenceError{Seq: want.Seq, Kind: want.Kind, WantHash: want.Hash, GotHash: got.Hash, Reason: reason}
}

// replayInput feeds one recorded input to w with its recorded timestamp.
func (w *World) replayInput(ctx context.Context, src *journal.Journal, r journal.Record) error {
	switch r.Kind {
	case ir.RecordManifestSwap:
		var rec ManifestSwapRecord
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		data, err := src.GetBlob(ctx, rec.Blob)
		if err != nil {
			return fmt.Errorf("manifest blob: %w", err)
		}
		man, err := manifest.Decode(data)
		if err != nil {
			return err
		}
		_, err = w.transact(ctx, rec.NowNs, func() (Result, error) {
			return w.swapManifest(man, rec.NowNs)
		})
		return err

	case ir.RecordDomainEvent:
		var rec EventRecord
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		_, err := w.ingestEvent(ctx, rec.Schema, rec.Value, rec.NowNs)
		return err

	case ir.RecordReceipt:
		var rec ReceiptRecord
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		res, err := w.ingestReceipt(ctx, rec.Receipt(), rec.NowNs)
		if err != nil {
			return err
		}
		if res.Dropped {
			return fmt.Errorf("receipt dropped on replay: %s", res.DropReason)
		}
		return nil

	case ir.RecordStreamFrame:
		var rec FrameRecord
		if err := json.Unmarshal(r.Body, &rec); err != nil {
			return err
		}
		res, err := w.ingestFrame(ctx, rec.Frame(), rec.NowNs)
		if err != nil {
			return err
		}
		if res.Dropped {
			return fmt.Errorf("frame dropped on replay: %s", res.DropReason)
		}
		return nil

	case ir.RecordSnapshot:
		_, err := w.takeSnapshot(ctx)
		return err
	}
	return fmt.Errorf("%s is not an input record", r.Kind)
}

package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ingress"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/workflow"
)

// pendingEvent is a journaled domain event waiting to be delivered.
type pendingEvent struct {
	event   ir.DomainEvent
	seq     int64
	now     int64
	targets []ingress.Target
}

// transact runs fn, delivers every event it queued along with every event
// those deliveries emit, and commits the whole batch. Any error after fn started
// mutating state poisons the world.
func (w *World) transact(ctx context.Context, now int64, fn func() (Result, error)) (Result, error) {
	start := w.sink.head
	w.deliveries = 0

	res, err := fn()
	if err == nil {
		err = w.drain(ctx)
	}
	if err != nil {
		w.sink.rewind(start)
		w.blobs.Drain()
		w.manager.Discard()
		w.fifo = nil
		w.poisoned = err
		w.logger.Error("input aborted mid-delivery", "seq", start.Seq+1, "error", err)
		return Result{}, &PoisonedError{Cause: err}
	}

	if err := w.commit(ctx); err != nil {
		return Result{}, err
	}
	w.time.observe(now)
	res.LastSeq = w.sink.head.Seq
	w.maybeSnapshot(ctx)
	return res, nil
}

// commit persists the buffered batch and then dispatches admitted intents.
func (w *World) commit(ctx context.Context) error {
	batch := w.sink.take()
	batch.Blobs = w.blobs.Drain()
	if batch.Empty() {
		return nil
	}
	if err := w.journal.Commit(ctx, batch); err != nil {
		w.manager.Discard()
		w.poisoned = err
		w.logger.Error("commit failed", "records", len(batch.Records), "error", err)
		return &PoisonedError{Cause: err}
	}
	w.logger.Debug("committed",
		"from_seq", batch.Records[0].Seq,
		"to_seq", batch.Records[len(batch.Records)-1].Seq,
		"blobs", len(batch.Blobs))
	w.manager.Flush(ctx)
	return nil
}

// ingestEvent journals an external event and delivers it to its routes.
// Validation and routing failures are returned before anything is recorded.
func (w *World) ingestEvent(ctx context.Context, schemaName string, value json.RawMessage, now int64) (Result, error) {
	canonical, err := ingress.Validate(w.manifest, schemaName, value)
	if err != nil {
		return Result{}, err
	}
	ev := ir.DomainEvent{Schema: schemaName, Value: canonical}
	targets, err := ingress.Route(w.manifest, ev)
	if err != nil {
		return Result{}, err
	}

	return w.transact(ctx, now, func() (Result, error) {
		seq, err := w.sink.Record(ir.RecordDomainEvent, EventRecord{Schema: schemaName, Value: canonical, NowNs: now})
		if err != nil {
			return Result{}, err
		}
		w.logger.Debug("event ingested", "event", schemaName, "seq", seq, "targets", len(targets))
		w.fifo = append(w.fifo, pendingEvent{event: ev, seq: seq, now: now, targets: targets})
		return Result{Seq: seq}, nil
	})
}

// ingestReceipt settles a pending intent and resumes its instance.
//
// Receipts for unknown intents are dropped without a record. Receipts that
// fail signature or adapter checks are errors and are not recorded either.
// Everything else is journaled and consumes the pending intent, including
// receipts whose payload does not decode.
func (w *World) ingestReceipt(ctx context.Context, r ir.Receipt, now int64) (Result, error) {
	s, err := w.manager.CheckReceipt(w.manifest, r)
	if err != nil {
		w.logger.Warn("receipt refused", "intent_hash", r.IntentHash, "adapter", r.AdapterID, "error", err)
		return Result{}, err
	}
	if s.Outcome == effects.OutcomeDropped {
		w.manager.Settle(ctx, s)
		w.logger.Debug("receipt dropped", "intent_hash", r.IntentHash, "reason", s.Reason)
		return Result{LastSeq: w.sink.head.Seq, Dropped: true, DropReason: s.Reason}, nil
	}

	return w.transact(ctx, now, func() (Result, error) {
		payload := r.Payload
		if payload == nil {
			payload = []byte{}
		}
		seq, err := w.sink.Record(ir.RecordReceipt, ReceiptRecord{
			IntentHash: r.IntentHash,
			AdapterID:  r.AdapterID,
			Status:     r.Status,
			Payload:    payload,
			Cost:       r.Cost,
			Signature:  r.Signature,
			Outcome:    s.Outcome,
			Reason:     s.Reason,
			NowNs:      now,
		})
		if err != nil {
			return Result{}, err
		}

		origin := s.Pending.Origin
		w.manager.Settle(ctx, s)
		w.runtime.Settle(origin, r.IntentHash)

		switch s.Outcome {
		case effects.OutcomeSettled:
			value, err := ir.CanonicalJSON(ReceiptEvent{
				IntentHash: r.IntentHash,
				Kind:       s.Pending.Kind,
				AdapterID:  r.AdapterID,
				Status:     r.Status,
				Payload:    s.Payload,
				Cost:       r.Cost,
			})
			if err != nil {
				return Result{}, err
			}
			err = w.deliver(ctx, systemDelivery(origin, ir.SchemaEffectReceipt, value, seq, now))
			return Result{Seq: seq}, err

		default:
			w.logger.Warn("receipt rejected",
				"intent_hash", r.IntentHash,
				"origin", origin.String(),
				"reason", s.Reason)
			mod, ok := w.manifest.Module(origin.Module)
			if ok && mod.OnRejectedReceipt {
				value, err := ir.CanonicalJSON(RejectedEvent{
					IntentHash: r.IntentHash,
					Kind:       s.Pending.Kind,
					AdapterID:  r.AdapterID,
					Status:     r.Status,
					Reason:     s.Reason,
				})
				if err != nil {
					return Result{}, err
				}
				err = w.deliver(ctx, systemDelivery(origin, ir.SchemaReceiptRejected, value, seq, now))
				return Result{Seq: seq}, err
			}
			cause := &workflow.RuntimeError{
				Code:    workflow.ErrCodeMalformedReceipt,
				Module:  origin.Module,
				Message: fmt.Sprintf("receipt %s: %s", r.IntentHash, s.Reason),
			}
			if step, ok := w.runtime.Fail(origin, seq, now, cause); ok {
				if err := w.recordStep(step); err != nil {
					return Result{}, err
				}
			}
			return Result{Seq: seq}, nil
		}
	})
}

// ingestFrame fences a stream frame and delivers accepted ones.
func (w *World) ingestFrame(ctx context.Context, f ir.StreamFrame, now int64) (Result, error) {
	v, payload, err := w.manager.CheckFrame(f)
	if err != nil {
		return Result{}, err
	}
	if !v.Accepted {
		w.manager.DropFrame(ctx, v.DropReason)
		w.logger.Debug("frame dropped", "intent_hash", f.IntentID, "seq", f.Seq, "reason", v.DropReason)
		return Result{LastSeq: w.sink.head.Seq, Dropped: true, DropReason: v.DropReason}, nil
	}

	return w.transact(ctx, now, func() (Result, error) {
		body := FrameRecord{
			IntentID:     f.IntentID,
			Seq:          f.Seq,
			EmittedAtSeq: f.EmittedAtSeq,
			Kind:         f.Kind,
			Payload:      payload,
			Gap:          v.Gap,
			NowNs:        now,
		}
		if v.Gap {
			body.Expected = v.Expected
			w.logger.Info("stream gap", "intent_hash", f.IntentID, "expected", v.Expected, "got", f.Seq)
		}
		seq, err := w.sink.Record(ir.RecordStreamFrame, body)
		if err != nil {
			return Result{}, err
		}
		w.manager.AcceptFrame(ctx, f)

		value, err := ir.CanonicalJSON(FrameEvent{
			IntentHash: f.IntentID,
			EffectKind: v.Pending.Kind,
			Kind:       f.Kind,
			Seq:        f.Seq,
			Payload:    payload,
			Gap:        v.Gap,
		})
		if err != nil {
			return Result{}, err
		}
		err = w.deliver(ctx, systemDelivery(v.Pending.Origin, ir.SchemaStreamFrame, value, seq, now))
		return Result{Seq: seq}, err
	})
}

func systemDelivery(origin ir.Origin, schemaName string, value []byte, seq, now int64) workflow.Delivery {
	return workflow.Delivery{
		Module: origin.Module,
		Key:    origin.Key,
		Event:  module.Event{Schema: schemaName, Value: value, Key: origin.Key},
		Seq:    seq,
		NowNs:  now,
	}
}

// drain delivers queued events in FIFO order until none are left.
func (w *World) drain(ctx context.Context) error {
	for len(w.fifo) > 0 {
		pe := w.fifo[0]
		w.fifo = w.fifo[1:]
		for _, t := range pe.targets {
			err := w.deliver(ctx, workflow.Delivery{
				Module: t.Module,
				Key:    t.Key,
				Event:  module.Event{Schema: pe.event.Schema, Value: pe.event.Value, Key: t.Key},
				Seq:    pe.seq,
				NowNs:  pe.now,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// deliver runs one tick: invoke, then record emitted events, effect
// decisions and intents, and finally the instance step.
func (w *World) deliver(ctx context.Context, d workflow.Delivery) error {
	w.deliveries++
	if w.opts.maxDeliveries > 0 && w.deliveries > w.opts.maxDeliveries {
		return fmt.Errorf("input caused more than %d deliveries", w.opts.maxDeliveries)
	}

	tick, err := w.runtime.Invoke(ctx, w.manifest, d)
	if err != nil {
		return err
	}
	origin := ir.Origin{Module: d.Module, Key: d.Key}
	if tick.Skipped {
		w.logger.Debug("delivery to terminal instance skipped", "origin", origin.String(), "event", d.Event.Schema)
		return nil
	}
	if tick.Fault != nil {
		w.logger.Warn("instance faulted", "origin", origin.String(), "code", tick.Fault.Code, "error", tick.Fault.Message)
	}

	emitted := make([]pendingEvent, 0, len(tick.Events))
	for _, ev := range tick.Events {
		seq, err := w.sink.Record(ir.RecordDomainEvent, EventRecord{
			Schema:   ev.Schema,
			Value:    ev.Value,
			Emitter:  &origin,
			CauseSeq: d.Seq,
			NowNs:    d.NowNs,
		})
		if err != nil {
			return err
		}
		targets, err := ingress.Route(w.manifest, ev)
		if err != nil {
			return err
		}
		emitted = append(emitted, pendingEvent{event: ev, seq: seq, now: d.NowNs, targets: targets})
	}

	var admitted []string
	for _, intent := range tick.Intents {
		adm, err := w.manager.Submit(ctx, w.manifest, intent, d.NowNs)
		if err != nil {
			return err
		}
		if adm.Decision.Allowed {
			admitted = append(admitted, adm.IntentHash)
		}
	}

	step, err := w.runtime.Apply(tick, admitted)
	if err != nil {
		return err
	}
	if err := w.recordStep(step); err != nil {
		return err
	}
	w.fifo = append(w.fifo, emitted...)
	return nil
}

// recordStep journals a step and drains its intents from the pending index.
func (w *World) recordStep(step workflow.StepRecord) error {
	if _, err := w.sink.Record(ir.RecordInstanceStep, step); err != nil {
		return err
	}
	if n := w.index.RemoveAll(step.Drained); n > 0 {
		w.logger.Info("inflight intents drained", "module", step.Module, "status", step.Status, "count", n)
	}
	return nil
}

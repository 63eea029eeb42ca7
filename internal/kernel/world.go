package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/worldline/internal/continuation"
	"github.com/roach88/worldline/internal/effects"
	"github.com/roach88/worldline/internal/ir"
	"github.com/roach88/worldline/internal/journal"
	"github.com/roach88/worldline/internal/manifest"
	"github.com/roach88/worldline/internal/module"
	"github.com/roach88/worldline/internal/workflow"
)

// DefaultMaxDeliveries bounds the module invocations caused by one input,
// including every cascade of emitted events.
const DefaultMaxDeliveries = 10000

// World is one single-writer world over one journal.
//
// Thread-safety model:
//   - Enqueue and Stop: safe from any goroutine
//   - Run: exactly one goroutine
//   - Submit, ApplyManifest, TakeSnapshot and the read accessors serialize
//     on an internal mutex, so they may be called while Run is active
type World struct {
	mu sync.Mutex

	journal  *journal.Journal
	registry *module.Registry
	logger   *slog.Logger
	opts     options

	manifest        *manifest.Manifest
	manifestHash    string
	manifestVersion int64

	index   *continuation.Index
	manager *effects.Manager
	runtime *workflow.Runtime
	blobs   *workflow.MemBlobs
	sink    *sink
	time    logicalTime
	queue   *inputQueue

	fifo            []pendingEvent
	deliveries      int
	lastSnapshotSeq int64
	poisoned        error
}

type options struct {
	genesis       *manifest.Manifest
	dispatcher    effects.Dispatcher
	logger        *slog.Logger
	meter         metric.MeterProvider
	limits        workflow.Limits
	clock         Clock
	snapshotEvery int64
	maxDeliveries int
	redispatch    bool
}

// Option configures a World.
type Option func(*options)

// WithGenesis supplies the manifest recorded when the journal is empty. It
// is ignored for a journal that already has a genesis.
func WithGenesis(m *manifest.Manifest) Option {
	return func(o *options) { o.genesis = m }
}

// WithDispatcher sets the adapter boundary.
func WithDispatcher(d effects.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeterProvider sets the otel meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meter = mp }
}

// WithLimits overrides workflow.DefaultLimits.
func WithLimits(l workflow.Limits) Option {
	return func(o *options) { o.limits = l }
}

// WithClock sets the time source stamped on inputs. Default WallClock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSnapshotEvery takes a snapshot once n records have been journaled
// since the last one. 0 disables automatic snapshots.
func WithSnapshotEvery(n int64) Option {
	return func(o *options) { o.snapshotEvery = n }
}

// WithMaxDeliveries overrides DefaultMaxDeliveries.
func WithMaxDeliveries(n int) Option {
	return func(o *options) { o.maxDeliveries = n }
}

// WithRedispatch re-dispatches every pending intent after a restore.
func WithRedispatch(enabled bool) Option {
	return func(o *options) { o.redispatch = enabled }
}

// Open starts a world over j. An empty journal gets a genesis manifest_swap
// from WithGenesis; otherwise the world is restored from the latest snapshot
// and the journal tail.
func Open(ctx context.Context, j *journal.Journal, registry *module.Registry, opts ...Option) (*World, error) {
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

	w := newWorld(ctx, j, registry, o)

	head, err := j.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head.Seq == 0 {
		if o.genesis == nil {
			return nil, ErrNoGenesis
		}
		if err := w.genesis(ctx, o.genesis); err != nil {
			return nil, err
		}
		return w, nil
	}

	if err := w.restore(ctx); err != nil {
		return nil, err
	}
	if o.redispatch {
		n, err := w.Redispatch(ctx)
		if err != nil {
			return nil, err
		}
		w.logger.Info("pending intents redispatched", "count", n)
	}
	return w, nil
}

func newWorld(ctx context.Context, j *journal.Journal, registry *module.Registry, o options) *World {
	w := &World{
		journal:  j,
		registry: registry,
		logger:   o.logger,
		opts:     o,
		index:    continuation.NewIndex(),
		blobs:    workflow.NewMemBlobs(j.Blobs(context.WithoutCancel(ctx))),
		sink:     &sink{},
		time:     logicalTime{clock: o.clock},
		queue:    newInputQueue(),
	}
	mopts := []effects.Option{effects.WithLogger(o.logger)}
	if o.dispatcher != nil {
		mopts = append(mopts, effects.WithDispatcher(o.dispatcher))
	}
	if o.meter != nil {
		mopts = append(mopts, effects.WithMeterProvider(o.meter))
	}
	w.manager = effects.NewManager(w.index, w.sink, mopts...)
	w.runtime = workflow.NewRuntime(registry, w.blobs, w.manager,
		workflow.WithLimits(o.limits),
		workflow.WithLogger(o.logger))
	return w
}

// Enqueue submits an input to the Run loop. Safe from any goroutine.
func (w *World) Enqueue(in Input) error {
	if !w.queue.enqueue(in) {
		return ErrClosed
	}
	return nil
}

// Run processes enqueued inputs until ctx is cancelled or Stop is called.
// Input errors are logged and processing continues: a rejected input has
// journaled nothing, so skipping it cannot break replay.
func (w *World) Run(ctx context.Context) error {
	w.logger.Info("world running")
	for {
		if in, ok := w.queue.tryDequeue(); ok {
			if _, err := w.Submit(ctx, in); err != nil {
				w.logger.Warn("input rejected", "input", in.Kind.String(), "error", err)
			}
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("world stopping: context cancelled")
			w.queue.close()
			return ctx.Err()
		case <-w.queue.wait():
			if w.queue.len() == 0 && w.queue.isClosed() {
				w.logger.Info("world stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the input queue; Run returns once it is drained.
func (w *World) Stop() {
	w.queue.close()
}

// Result summarizes what one input did.
type Result struct {
	// Seq is the seq of the input record; 0 if nothing was journaled.
	Seq int64
	// LastSeq is the journal head after the input.
	LastSeq int64
	// Dropped is set for receipts and frames that were ignored.
	Dropped    bool
	DropReason string
}

// Submit processes one input synchronously and commits its records.
func (w *World) Submit(ctx context.Context, in Input) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.poisoned != nil {
		return Result{}, &PoisonedError{Cause: w.poisoned}
	}
	now := w.time.stamp()
	switch in.Kind {
	case InputEvent:
		if in.Event == nil {
			return Result{}, fmt.Errorf("event input without event")
		}
		return w.ingestEvent(ctx, in.Event.Schema, in.Event.Value, now)
	case InputReceipt:
		if in.Receipt == nil {
			return Result{}, fmt.Errorf("receipt input without receipt")
		}
		return w.ingestReceipt(ctx, *in.Receipt, now)
	case InputFrame:
		if in.Frame == nil {
			return Result{}, fmt.Errorf("frame input without frame")
		}
		return w.ingestFrame(ctx, *in.Frame, now)
	default:
		return Result{}, fmt.Errorf("unknown input kind %d", in.Kind)
	}
}

// Manifest returns the active manifest.
func (w *World) Manifest() *manifest.Manifest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest
}

// Head returns the journal position.
func (w *World) Head() journal.Head {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sink.head
}

// NowNs returns the timestamp of the latest input.
func (w *World) NowNs() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.time.last
}

// Instances returns all workflow instances.
func (w *World) Instances() []workflow.Instance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runtime.Instances()
}

// Instance returns one instance.
func (w *World) Instance(moduleName string, key []byte) (workflow.Instance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runtime.Get(moduleName, key)
}

// State returns the state bytes of one instance.
func (w *World) State(moduleName string, key []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runtime.State(moduleName, key)
}

// PendingIntents returns the pending-intent index sorted by hash.
func (w *World) PendingIntents() []ir.PendingIntent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.index.Entries()
}

package kernel

import (
	"encoding/json"
	"sync"

	"github.com/roach88/worldline/internal/ir"
)

// InputKind distinguishes the three things that enter a world.
type InputKind int

const (
	// InputEvent is an external domain event.
	InputEvent InputKind = iota + 1
	// InputReceipt is a terminal adapter receipt.
	InputReceipt
	// InputFrame is a non-terminal stream frame.
	InputFrame
)

func (k InputKind) String() string {
	switch k {
	case InputEvent:
		return "event"
	case InputReceipt:
		return "receipt"
	case InputFrame:
		return "frame"
	}
	return "unknown"
}

// Input is one unit of work for the Run loop. Exactly one payload field is
// set, matching Kind.
type Input struct {
	Kind    InputKind
	Event   *ExternalEvent
	Receipt *ir.Receipt
	Frame   *ir.StreamFrame
}

// ExternalEvent is a domain event from outside the world. Value need not be
// canonical; it is validated and re-encoded against the declared schema.
type ExternalEvent struct {
	Schema string
	Value  json.RawMessage
}

// EventInput wraps an external event.
func EventInput(schema string, value json.RawMessage) Input {
	return Input{Kind: InputEvent, Event: &ExternalEvent{Schema: schema, Value: value}}
}

// ReceiptInput wraps a receipt.
func ReceiptInput(r ir.Receipt) Input {
	return Input{Kind: InputReceipt, Receipt: &r}
}

// FrameInput wraps a stream frame.
func FrameInput(f ir.StreamFrame) Input {
	return Input{Kind: InputFrame, Frame: &f}
}

// inputQueue is a thread-safe unbounded FIFO. Adapters enqueue receipts
// from their own goroutines while the Run loop dequeues.
//
// The signal channel (buffered, size 1) lets Run wait on it next to ctx.Done.
type inputQueue struct {
	mu     sync.Mutex
	inputs []Input
	closed bool
	signal chan struct{}
}

func newInputQueue() *inputQueue {
	return &inputQueue{
		inputs: make([]Input, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends an input. Returns false once the queue is closed.
func (q *inputQueue) enqueue(in Input) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.inputs = append(q.inputs, in)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front input without blocking.
func (q *inputQueue) tryDequeue() (Input, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inputs) == 0 {
		return Input{}, false
	}
	in := q.inputs[0]
	q.inputs[0] = Input{}
	if len(q.inputs) == 1 {
		q.inputs = q.inputs[:0]
	} else {
		q.inputs = q.inputs[1:]
	}
	return in, true
}

func (q *inputQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *inputQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inputs)
}

func (q *inputQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *inputQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Package kernel runs one world: a single-writer loop that turns inputs
// (external domain events, adapter receipts, stream frames) into journaled
// facts and workflow steps.
//
// # Commit pipeline
//
// Every input is processed to quiescence before anything is persisted:
//
//	[input record] → [route] → [invoke module] → [emitted events]
//	                                           → [policy decisions, intents]
//	                                           → [instance step]
//	               ← [emitted events delivered FIFO, same pipeline] ←
//
// All records produced by one input are buffered, hash-chained, and
// committed to the journal in one transaction together with the state
// blobs they reference. Admitted intents are dispatched only after the
// commit succeeds, so an adapter never sees an intent the journal lacks.
// A failed commit poisons the world; reopening restores from the journal.
//
// # Replay
//
// Restore is structural: the latest snapshot is loaded and the journal tail
// is folded record by record without running any module. Verify is the
// opposite: it re-executes every input from genesis through the same code
// path as live processing and requires every derived record to come out
// byte-identical.
//
// # Time
//
// The kernel reads its Clock once per input and records the value on the
// input record. Nothing downstream reads time; replay uses the recorded
// value. Grant expiry and timer deadlines compare against it.
package kernel

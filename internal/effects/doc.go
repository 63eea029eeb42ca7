// Package effects is the effect manager: it turns effect requests from
// workflow modules into admitted, journaled intents, and turns adapter
// receipts into settlements.
//
// Admission is split in two so a workflow tick can be validated before
// anything is written:
//
//   - Prepare runs the structural authority check, canonicalizes params
//     against the effect schema, and computes the intent hash. Pure.
//   - Submit consults the gate, journals the decision and (on allow) the
//     intent, records the pending entry, and queues the intent for dispatch.
//
// Dispatch happens in Flush, after the kernel has committed the delivery.
package effects

// Package harness runs scripted worlds for tests.
//
// A scenario is a YAML file naming a genesis manifest (inline CUE), a list
// of steps and assertions on the result:
//
//	name: writer_roundtrip
//	manifest: |
//	  manifest: { version: 1, ... }
//	steps:
//	  - event: {schema: demo/Start@1, value: {id: A, prompt: hi}}
//	  - frame: {intent: llm.generate, seq: 1, kind: progress}
//	  - snapshot: true
//	  - restart: true
//	  - receipt: {intent: llm.generate, payload: {text: hello}}
//	  - advance: 100
//	assertions:
//	  - {type: instance, module: writer, key: A, status: completed}
//	  - {type: pending, count: 0}
//	  - {type: quiescent, value: true}
//	  - {type: trace_count, kind: instance_step, count: 4}
//
// Module code is supplied by the caller as a module.Registry. Each run uses
// a fresh in-memory journal, logical time and the fixed adapter keys from
// testutil, so the journal is identical on every run. Receipt and frame
// steps address the oldest pending intent of a kind. A restart step
// restores a new world from the journal and checks it reaches the live
// state hash. After the last step the journal is re-executed with
// kernel.Verify.
//
// Traces reduce each record to kind and a short detail and can be compared
// with golden files in testdata/golden:
//
//	go test ./internal/harness -update
package harness

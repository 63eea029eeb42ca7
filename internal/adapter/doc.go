// Package adapter holds the effect side of the adapter boundary: dispatchers
// that receive admitted intents from the kernel, and helpers that turn their
// outcomes into signed receipts fed back as kernel inputs.
//
// Dispatchers are called after the commit that admitted the intent, on the
// kernel goroutine. They must hand the work off and return; results come
// back through a Sink, never by calling into the World directly.
package adapter

// Package ir provides the canonical value model and identity functions for
// worldline.
//
// This package contains values, canonical encoding, and the core record types
// shared by every other internal package. ir imports nothing internal, which
// keeps it the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - numbers are int64
//   - Canonical JSON follows RFC 8785 (UTF-16 key order, NFC strings, no HTML escaping)
//   - Every identity is SHA-256 over a domain-separated canonical preimage
//   - All JSON tags use snake_case
//   - Ordering uses journal seq (logical), never wall-clock time
package ir

// Package continuation holds the pending-intent index: the only table used to
// route receipts and stream frames back to the instance that emitted them.
//
// Routing never consults the manifest. An entry records the origin and the
// journal seq of the intent record, which doubles as the stream fence.
package continuation

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/roach88/worldline/internal/ir"
)

// Index maps intent hash to pending intent. It also remembers every hash
// that has left the index, settled by a receipt or drained by a terminal
// step, so that no hash is ever pending twice. Not safe for concurrent use;
// the kernel owns it on its single writer goroutine.
type Index struct {
	entries map[string]*ir.PendingIntent
	closed  map[string]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		entries: make(map[string]*ir.PendingIntent),
		closed:  make(map[string]struct{}),
	}
}

// Add records a pending intent. Adding a hash that is pending or closed is
// an error; callers handle identical re-emits before reaching here.
func (x *Index) Add(p ir.PendingIntent) error {
	if _, ok := x.entries[p.IntentHash]; ok {
		return fmt.Errorf("intent %s already pending", p.IntentHash)
	}
	if _, ok := x.closed[p.IntentHash]; ok {
		return fmt.Errorf("intent %s already settled", p.IntentHash)
	}
	cp := p
	x.entries[p.IntentHash] = &cp
	return nil
}

// Get returns the pending entry for hash.
func (x *Index) Get(hash string) (ir.PendingIntent, bool) {
	p, ok := x.entries[hash]
	if !ok {
		return ir.PendingIntent{}, false
	}
	return *p, true
}

// Has reports whether hash is pending.
func (x *Index) Has(hash string) bool {
	_, ok := x.entries[hash]
	return ok
}

// Closed reports whether hash was settled or drained.
func (x *Index) Closed(hash string) bool {
	_, ok := x.closed[hash]
	return ok
}

// ClosedHashes returns every closed hash, sorted.
func (x *Index) ClosedHashes() []string {
	out := make([]string, 0, len(x.closed))
	for h := range x.closed {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Remove deletes the entry, closes its hash and returns it.
func (x *Index) Remove(hash string) (ir.PendingIntent, bool) {
	p, ok := x.entries[hash]
	if !ok {
		return ir.PendingIntent{}, false
	}
	delete(x.entries, hash)
	x.closed[hash] = struct{}{}
	return *p, true
}

// RemoveAll deletes and closes every listed hash that is pending and
// returns how many were.
func (x *Index) RemoveAll(hashes []string) int {
	n := 0
	for _, h := range hashes {
		if _, ok := x.Remove(h); ok {
			n++
		}
	}
	return n
}

// ForOrigin lists the intents emitted by one instance, sorted by hash.
func (x *Index) ForOrigin(origin ir.Origin) []ir.PendingIntent {
	var out []ir.PendingIntent
	for _, p := range x.entries {
		if sameOrigin(p.Origin, origin) {
			out = append(out, *p)
		}
	}
	sortByHash(out)
	return out
}

// Len returns the number of pending intents.
func (x *Index) Len() int { return len(x.entries) }

// Entries returns a copy of all entries sorted by intent hash.
func (x *Index) Entries() []ir.PendingIntent {
	out := make([]ir.PendingIntent, 0, len(x.entries))
	for _, p := range x.entries {
		out = append(out, *p)
	}
	sortByHash(out)
	return out
}

// Restore replaces the index contents, as loaded from a snapshot.
func (x *Index) Restore(entries []ir.PendingIntent, closed []string) error {
	x.entries = make(map[string]*ir.PendingIntent, len(entries))
	x.closed = make(map[string]struct{}, len(closed))
	for _, h := range closed {
		x.closed[h] = struct{}{}
	}
	for _, p := range entries {
		if err := x.Add(p); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}

func sameOrigin(a, b ir.Origin) bool {
	return a.Module == b.Module && bytes.Equal(a.Key, b.Key)
}

func sortByHash(ps []ir.PendingIntent) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].IntentHash < ps[j].IntentHash })
}

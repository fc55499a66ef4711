// Package tracker implements the Block Request Tracker from spec.md §4.3:
// one monotonically non-decreasing cursor per (docId, actorId), recording
// the exclusive upper bound of blocks already requested, so the causal
// loader never issues the same block request twice.
//
// Per the Open Question resolution in spec.md §9, there is a single
// mutating method, Max -- bumping the cursor after a local append is just
// another Max call, not a separate length-delta path.
package tracker

import "sync"

type key struct {
	doc   [32]byte
	actor [32]byte
}

// Tracker owns every (docId, actorId) cursor. Block 0 is metadata, never a
// change, so cursors start at 1.
type Tracker struct {
	mu      sync.Mutex
	cursors map[key]uint64
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{cursors: map[key]uint64{}}
}

// Max atomically reads the current cursor for (doc, actor) (default 1),
// stores max(current, newUpperExclusive), and returns the prior value. The
// caller uses [priorValue, newUpperExclusive) as the block range still worth
// requesting.
func (t *Tracker) Max(doc, actor [32]byte, newUpperExclusive uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{doc, actor}
	cur, ok := t.cursors[k]
	if !ok {
		cur = 1
	}
	if newUpperExclusive > cur {
		t.cursors[k] = newUpperExclusive
	} else {
		t.cursors[k] = cur
	}
	return cur
}

// Bump advances the cursor for our own log after it grows to newLength
// blocks, implementing spec.md §4.3's bump operation as a single Max call
// per the Open Question resolution in spec.md §9 (never a separate
// length-delta increment).
func (t *Tracker) Bump(doc, actor [32]byte, newLength uint64) {
	t.Max(doc, actor, newLength)
}

// Peek returns the current cursor value without mutating it, defaulting to 1.
func (t *Tracker) Peek(doc, actor [32]byte) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.cursors[key{doc, actor}]; ok {
		return cur
	}
	return 1
}

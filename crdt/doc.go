// Package crdt binds the replication engine to the concrete CRDT library,
// automerge-go. It implements the role interface spec.md §6.1 describes in
// the abstract: init/change/merge/getChanges/applyChanges/getMissingDeps.
//
// automerge-go itself has no notion of cross-log causal completeness (its
// changes reference each other by hash, not by a per-actor sequence vector),
// so this package wraps every raw automerge change in an envelope carrying
// an explicit per-actor dependency vector in the exclusive-upper-bound
// convention spec.md §3 describes. The envelope is what block storage,
// applyChanges, and getMissingDeps actually operate on; the raw automerge
// bytes inside it are opaque to everything except the automerge-go calls
// made here.
package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/pkg/errors"
)

// Envelope is the wire shape of one log block at index >= 1 (spec.md §6.3:
// "Log blocks >= 1: UTF-8 JSON encoding of one CRDT Change").
type Envelope struct {
	Actor   string            `json:"actor"`
	Seq     uint64            `json:"seq"`
	Deps    map[string]uint64 `json:"deps"`
	Message string            `json:"message,omitempty"`
	Raw     []byte            `json:"raw"`
}

// Doc is a materialized CRDT document plus the bookkeeping needed to decide
// causal completeness across many actors' logs.
type Doc struct {
	inner      *automerge.Doc
	appliedSeq map[string]uint64 // highest seq applied per actor
	pending    []*Envelope       // changes held back by an unsatisfied dependency
}

// New constructs an empty document tagged with actorHex, implementing the
// init role from spec.md §6.1.
func New(actorHex string) (*Doc, error) {
	d := automerge.New()
	if actorHex != "" {
		if err := d.SetActorID(actorHex); err != nil {
			return nil, errors.Wrap(err, "failed to set actor id on new doc")
		}
	}
	return &Doc{inner: d, appliedSeq: map[string]uint64{}}, nil
}

// Load reconstructs a document from a prior Save(), re-tagged with actorHex.
func Load(actorHex string, snapshot []byte) (*Doc, error) {
	d, err := automerge.Load(snapshot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load doc snapshot")
	}
	if actorHex != "" {
		if err := d.SetActorID(actorHex); err != nil {
			return nil, errors.Wrap(err, "failed to set actor id on loaded doc")
		}
	}
	return &Doc{inner: d, appliedSeq: map[string]uint64{}}, nil
}

// Automerge exposes the underlying automerge-go document for callers (the
// orchestrator's change/fork/merge operations) that need the full mutation
// API rather than this package's narrow role surface.
func (d *Doc) Automerge() *automerge.Doc { return d.inner }

// ActorID returns the hex actor id this doc is currently authoring changes as.
func (d *Doc) ActorID() string { return d.inner.ActorID() }

// Change mutates the document through fn and commits the result as one new
// change, implementing the change role from spec.md §6.1.
func (d *Doc) Change(message string, fn func(*automerge.Doc) error) error {
	if err := fn(d.inner); err != nil {
		return err
	}
	if _, err := d.inner.Commit(message, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return errors.Wrap(err, "failed to commit change")
	}
	return nil
}

// Merge folds other into d, implementing the merge role from spec.md §6.1.
// It also folds other's appliedSeq bookkeeping into d's, since the native
// automerge merge brings in changes by actors d's own Envelope bookkeeping
// has never seen applied directly -- without this, a subsequent EncodeOwnChanges
// would compute an incomplete Deps vector for d's next change.
func (d *Doc) Merge(other *Doc) error {
	if _, err := d.inner.Merge(other.inner); err != nil {
		return errors.Wrap(err, "failed to merge docs")
	}
	for actor, seq := range other.appliedSeq {
		if seq > d.appliedSeq[actor] {
			d.appliedSeq[actor] = seq
		}
	}
	return nil
}

// Fork returns a snapshot of d as of the given heads (or the current tip if
// none given), sharing no further mutation with d.
func (d *Doc) Fork(heads ...automerge.ChangeHash) (*Doc, error) {
	f, err := d.inner.Fork(heads...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fork doc")
	}
	return &Doc{inner: f, appliedSeq: map[string]uint64{}}, nil
}

// Heads returns the current change-graph frontier.
func (d *Doc) Heads() []automerge.ChangeHash { return d.inner.Heads() }

// Save serializes the full document, including history, for cold bootstrap.
func (d *Doc) Save() []byte { return d.inner.Save() }

// EncodeOwnChanges returns the wire envelopes for every change authored by
// actorHex that is new since old (nil meaning "from the start"), implementing
// the getChanges role from spec.md §6.1, filtered to our own actor per
// spec.md §4.5 ("only blocks authored by us go into our own log").
func (d *Doc) EncodeOwnChanges(actorHex string, old *Doc) ([]*Envelope, error) {
	changes, err := d.changesSince(old)
	if err != nil {
		return nil, err
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].ActorSeq() < changes[j].ActorSeq()
	})
	out := make([]*Envelope, 0, len(changes))
	for _, c := range changes {
		if c.ActorID() != actorHex {
			continue
		}
		env, err := d.encodeChange(c)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
		if env.Seq > d.appliedSeq[env.Actor] {
			d.appliedSeq[env.Actor] = env.Seq
		}
	}
	return out, nil
}

func (d *Doc) changesSince(old *Doc) ([]*automerge.Change, error) {
	changes, err := d.inner.Changes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list changes")
	}
	if old == nil {
		return changes, nil
	}
	oldChanges, err := old.inner.Changes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list prior changes")
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(oldChanges))
	for _, c := range oldChanges {
		seen[c.Hash()] = struct{}{}
	}
	out := make([]*automerge.Change, 0, len(changes))
	for _, c := range changes {
		if _, ok := seen[c.Hash()]; !ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// encodeChange wraps one already-applied automerge change in its wire
// envelope, with Deps set to our locally-applied exclusive-upper-bound
// vector as of just before this change (it depends on everything we'd
// applied so far, plus the rest of its own actor's prior history).
func (d *Doc) encodeChange(c *automerge.Change) (*Envelope, error) {
	raw := c.Save()
	deps := make(map[string]uint64, len(d.appliedSeq)+1)
	for actor, seq := range d.appliedSeq {
		deps[actor] = seq + 1
	}
	seq := c.ActorSeq()
	return &Envelope{
		Actor: c.ActorID(),
		Seq:   seq,
		Deps:  deps,
		Raw:   raw,
	}, nil
}

// ApplyEncoded decodes and applies raw (a JSON Envelope read from a log
// block), implementing the applyChanges role from spec.md §6.1. It returns
// whether the document's materialized state changed as a result -- false
// when the change was held back pending an unmet dependency, or the
// envelope had already been applied.
func (d *Doc) ApplyEncoded(raw []byte) (bool, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return d.applyEnvelope(&env)
}

func (d *Doc) applyEnvelope(env *Envelope) (bool, error) {
	if env.Seq <= d.appliedSeq[env.Actor] {
		return false, nil // already applied, idempotent no-op per spec.md §4.4
	}
	if !d.depsSatisfied(env) {
		d.pending = append(d.pending, env)
		return false, nil
	}
	if err := d.applyRaw(env); err != nil {
		return false, err
	}
	changed := true
	for d.drainPending() {
		changed = true
	}
	return changed, nil
}

func (d *Doc) depsSatisfied(env *Envelope) bool {
	for actor, exclusiveUB := range env.Deps {
		if d.appliedSeq[actor]+1 < exclusiveUB {
			return false
		}
	}
	return true
}

func (d *Doc) applyRaw(env *Envelope) error {
	cs, err := automerge.LoadChanges(env.Raw)
	if err != nil {
		return errors.Wrap(err, "failed to decode raw change")
	}
	if len(cs) != 1 {
		return fmt.Errorf("expected exactly one change, got %d", len(cs))
	}
	c := cs[0]
	if err := d.inner.Apply(c); err != nil {
		return errors.Wrap(err, "failed to apply change")
	}
	if env.Seq > d.appliedSeq[env.Actor] {
		d.appliedSeq[env.Actor] = env.Seq
	}
	return nil
}

// drainPending applies any pending envelope whose dependencies are now
// satisfied, returning true if it applied at least one (the caller loops
// until a pass makes no progress -- the local half of the fixed point, the
// loader handles the remote-fetch half).
func (d *Doc) drainPending() bool {
	if len(d.pending) == 0 {
		return false
	}
	remaining := d.pending[:0:0]
	progressed := false
	for _, env := range d.pending {
		if d.depsSatisfied(env) {
			if err := d.applyRaw(env); err == nil {
				progressed = true
				continue
			}
		}
		remaining = append(remaining, env)
	}
	d.pending = remaining
	return progressed
}

// MissingDeps implements the getMissingDeps role from spec.md §6.1: for
// every actor referenced by a still-pending envelope, the highest individual
// sequence number we still need (inclusive).
func (d *Doc) MissingDeps() map[string]uint64 {
	need := make(map[string]uint64)
	for _, env := range d.pending {
		for actor, exclusiveUB := range env.Deps {
			if d.appliedSeq[actor]+1 >= exclusiveUB {
				continue
			}
			if maxSeq := exclusiveUB - 1; maxSeq > need[actor] {
				need[actor] = maxSeq
			}
		}
	}
	return need
}

// PendingActors returns, sorted, the actor ids this document is still
// waiting to hear about at all (appear in a dependency vector but have no
// applied history whatsoever) -- used by the loader to know which FEEDS
// it needs a peer to share before it can make further progress.
func (d *Doc) PendingActors() []string {
	seen := map[string]struct{}{}
	for _, env := range d.pending {
		for actor := range env.Deps {
			if _, ok := d.appliedSeq[actor]; !ok {
				seen[actor] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Conflicts implements spec.md §3's per-document conflict side channel for
// a single field path: "{fieldPath: {actorId: losingValue}}". automerge
// resolves a concurrently-written register deterministically (the op whose
// OpID -- "counter@actorHex" -- sorts highest wins) but keeps every losing
// value reachable through Path(...).Conflicts(), keyed by OpID; this
// reduces that down to the losing actor ids spec.md's map is keyed by. A
// field with no concurrent writes has at most one candidate and returns
// nil -- there's nothing for the replication layer to surface.
func (d *Doc) Conflicts(path string) map[string]any {
	candidates, err := d.inner.Path(path).Conflicts()
	if err != nil || len(candidates) < 2 {
		return nil
	}
	winner := ""
	for opID := range candidates {
		if actor := actorOfOpID(opID); actor > winner {
			winner = actor
		}
	}
	losers := make(map[string]any, len(candidates)-1)
	for opID, v := range candidates {
		if actor := actorOfOpID(opID); actor != winner {
			losers[actor] = v.Interface()
		}
	}
	return losers
}

// actorOfOpID extracts the actor hex from an automerge OpID string
// ("counter@actorHex"); an OpID without a separator is returned unchanged.
func actorOfOpID(opID string) string {
	if i := strings.LastIndexByte(opID, '@'); i >= 0 {
		return opID[i+1:]
	}
	return opID
}

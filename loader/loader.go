// Package loader implements the Causal Loader from spec.md §4.4: the
// fixed-point routine that progressively fetches missing causal
// dependencies -- own blocks first, then remote blocks as the CRDT reports
// them missing -- until a document has no missing dependencies, at which
// point it emits the document-ready signal (once) and document-updated
// signal (on every later advance).
package loader

import (
	"encoding/hex"
	"fmt"

	"github.com/mmcgrana/hypermerge/crdt"
	"github.com/mmcgrana/hypermerge/doccache"
	hmlog "github.com/mmcgrana/hypermerge/log"
	"github.com/mmcgrana/hypermerge/logreg"
	"github.com/mmcgrana/hypermerge/tracker"
)

// EventSink receives the two document lifecycle signals this package can
// produce; the Orchestrator implements it and translates to the public
// event types in spec.md §4.7. Kept as a narrow interface here (rather than
// importing the root package) to avoid an import cycle, since the root
// package composes a Loader.
type EventSink interface {
	DocumentReady(docID [32]byte, doc *crdt.Doc)
	DocumentUpdated(docID [32]byte, doc *crdt.Doc)
}

// Loader owns the per-document readiness state (readyIndex in spec.md §4.4)
// and drives loadOwn/loadMissing.
type Loader struct {
	registry *logreg.Registry
	tracker  *tracker.Tracker
	cache    *doccache.Cache
	sink     EventSink

	ready map[[32]byte]bool
}

// New constructs a Loader over the given components.
func New(registry *logreg.Registry, trk *tracker.Tracker, cache *doccache.Cache, sink EventSink) *Loader {
	return &Loader{registry: registry, tracker: trk, cache: cache, sink: sink, ready: map[[32]byte]bool{}}
}

// LoadOwn brings our own copy of a document's root log up to date before the
// first LoadMissing call, per spec.md §4.4's "Root-log own-block load".
// docID must be a root actor id (its own log is the document). When we don't
// own this log ourselves (a pure replica opening a document for the first
// time) there is no local length to bound the fetch by, so an attached peer
// is asked for blocks until it runs dry rather than stopping at
// lg.Length() == 0.
func (l *Loader) LoadOwn(docID [32]byte) error {
	lg, ok := l.registry.Get(docID)
	if !ok {
		return nil
	}
	upper := lg.Length()
	if _, hasPeer := lg.AnyPeer(); hasPeer {
		upper = ^uint64(0)
	}
	advanced, err := l.fetchAndApply(docID, docID, lg, upper)
	if err != nil {
		return err
	}
	l.reconcileReadiness(docID, advanced)
	return nil
}

// LoadMissing runs the core routine from spec.md §4.4: query the CRDT's
// missing-dependency map, request whatever blocks are newly in range for
// each actor, apply them, and recurse -- newly-applied changes may reveal
// dependencies on actors we hadn't heard of yet -- until a pass makes no
// further progress.
func (l *Loader) LoadMissing(docID [32]byte) error {
	doc, ok := l.cache.Get(docID)
	if !ok {
		return fmt.Errorf("loader: no cached document for %x", docID)
	}

	anyAdvanced := false
	for {
		progressedThisPass := false
		for actorHex, maxSeqNeeded := range doc.MissingDeps() {
			actor, err := actorFromHex(actorHex)
			if err != nil {
				continue // malformed actor id in a change -- cannot act on it
			}
			lg, ok := l.registry.Get(actor)
			if !ok {
				// Actor log not yet known to this process: wait for a
				// FEEDS_SHARED announcement (or a fork) to introduce it.
				// Per spec.md §4.4 this must not be treated as an error.
				continue
			}
			advanced, err := l.fetchAndApply(docID, actor, lg, maxSeqNeeded+1)
			if err != nil {
				// Read errors are swallowed during causal loading (spec.md
				// §7): the next trigger (download event, FEEDS_SHARED,
				// applyChanges) re-enters LoadMissing.
				continue
			}
			if advanced {
				progressedThisPass = true
				anyAdvanced = true
			}
		}
		if !progressedThisPass {
			break
		}
	}
	l.reconcileReadiness(docID, anyAdvanced)
	return nil
}

// fetchAndApply requests/reads blocks starting at the tracker's cursor for
// (docID, actor), stopping at upperExclusive or at the first block nobody
// has yet, and applies each to docID's cached document in order. The cursor
// only advances to the number of blocks actually confirmed present (Peek
// upfront, Bump after), not to upperExclusive itself -- upperExclusive from
// LoadOwn's peer-attached case is a generous ceiling, not a claim that the
// peer has that many blocks, and a block that doesn't exist yet must be
// retried on a later call rather than being silently skipped forever.
func (l *Loader) fetchAndApply(docID, actor [32]byte, lg *hmlog.Log, upperExclusive uint64) (bool, error) {
	first := l.tracker.Peek(docID, actor)
	if first >= upperExclusive {
		return false, nil
	}
	doc, ok := l.cache.Get(docID)
	if !ok {
		return false, fmt.Errorf("loader: no cached document for %x", docID)
	}
	advanced := false
	i := first
	var fetchErr error
loop:
	for ; i < upperExclusive; i++ {
		data, found, err := l.readBlock(lg, actor, i)
		switch {
		case err != nil:
			fetchErr = err
			break loop
		case !found:
			break loop // remaining blocks aren't available from anyone yet either
		}
		changed, err := doc.ApplyEncoded(data)
		if err != nil {
			fetchErr = err
			break loop
		}
		if changed {
			advanced = true
		}
	}
	if i > first {
		l.tracker.Bump(docID, actor, i)
	}
	return advanced, fetchErr
}

// readBlock prefers the local copy of the log, falling back to asking one
// attached peer (spec.md's bandwidth-prioritization/source-selection is an
// explicit Non-goal, so "any attached peer" is sufficient here). A block
// fetched from a peer is persisted into our own local copy of the log so we
// don't have to ask again, and so we can serve it to others in turn.
func (l *Loader) readBlock(lg *hmlog.Log, actor [32]byte, index uint64) ([]byte, bool, error) {
	if data, ok, err := lg.Get(index); err != nil {
		return nil, false, err
	} else if ok {
		return data, true, nil
	}
	peer, ok := lg.AnyPeer()
	if !ok {
		return nil, false, nil
	}
	data, found, err := peer.RequestBlock(actor, index)
	if err != nil || !found {
		return data, found, err
	}
	if err := lg.Receive(index, data); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// reconcileReadiness implements the emission ordering guarantee from
// spec.md §5: document:ready always precedes the first document:updated
// for a given docId, and document:updated only fires for changes after
// that point.
func (l *Loader) reconcileReadiness(docID [32]byte, advanced bool) {
	if !advanced {
		return
	}
	doc, ok := l.cache.Get(docID)
	if !ok {
		return
	}
	stillMissing := len(doc.MissingDeps()) > 0
	wasReady := l.ready[docID]
	switch {
	case !stillMissing && !wasReady:
		l.ready[docID] = true
		l.sink.DocumentReady(docID, doc)
	case wasReady:
		l.sink.DocumentUpdated(docID, doc)
	}
}

// MarkAdvanced re-evaluates readiness for docID after a local operation
// (change/merge/fork) applied directly to the cached document outside of
// LoadMissing/LoadOwn -- local authorship always advances the document even
// though it never touches the loader's own missing-dependency bookkeeping.
func (l *Loader) MarkAdvanced(docID [32]byte) {
	l.reconcileReadiness(docID, true)
}

// IsReady reports whether docID has ever reached the no-missing-deps state.
func (l *Loader) IsReady(docID [32]byte) bool {
	return l.ready[docID]
}

// WantedActors returns the actor ids docID's document references in a
// dependency vector but has never heard of at all -- useful for deciding
// which FEEDS_SHARED announcements would actually help.
func (l *Loader) WantedActors(docID [32]byte) []string {
	doc, ok := l.cache.Get(docID)
	if !ok {
		return nil
	}
	return doc.PendingActors()
}

func actorFromHex(s string) ([32]byte, error) {
	var a [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("loader: actor id %q has wrong length", s)
	}
	copy(a[:], b)
	return a, nil
}

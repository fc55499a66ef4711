// Package hypermerge implements the replication engine described by
// spec.md: an Orchestrator composing a Log Registry, a Metadata Store, a
// Block Request Tracker, a Document Cache, a Causal Loader and a swarm,
// wiring them into the public create/open/change/merge/fork/delete
// operations and the observable lifecycle events.
//
// Per spec.md §5, every shared index (the document cache, the loader's
// readiness state) is mutated only by the single goroutine running the
// Orchestrator's event loop -- the mailbox. Operations that need to touch
// them always go through submit/enqueue rather than mutating directly,
// matching the teacher's docLock *sync.Mutex pattern (cmd/three/client,
// cmd/four/client) generalized from a mutex to an explicit mailbox, per the
// Design Note in spec.md §9.
package hypermerge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/mmcgrana/hypermerge/crdt"
	"github.com/mmcgrana/hypermerge/doccache"
	"github.com/mmcgrana/hypermerge/ext"
	"github.com/mmcgrana/hypermerge/internal/wire"
	hmlog "github.com/mmcgrana/hypermerge/log"
	"github.com/mmcgrana/hypermerge/loader"
	"github.com/mmcgrana/hypermerge/logreg"
	"github.com/mmcgrana/hypermerge/meta"
	"github.com/mmcgrana/hypermerge/swarm"
	"github.com/mmcgrana/hypermerge/tracker"
)

// Orchestrator is the top-level replication engine handle for one base
// directory. Construct with Open.
type Orchestrator struct {
	reg       *logreg.Registry
	metaStore *meta.Store
	tracker   *tracker.Tracker
	cache     *doccache.Cache
	ld        *loader.Loader
	sw        swarm.Swarm

	keyringPath string

	mailbox chan func()
	done    chan struct{}

	listenersMu sync.Mutex
	listeners   []Listener

	// Everything below is owned exclusively by the mailbox goroutine.
	ready          bool
	discoveryActor map[[32]byte]ActorID
}

// Open constructs an Orchestrator rooted at baseDir (created if missing),
// restoring any previously-created logs and keys, and starts its event
// loop. sw is the swarm implementation to join/leave discovery keys on
// (swarm.NewLocal for tests, swarm.NewWSSwarm for a real deployment).
func Open(baseDir string, sw swarm.Swarm) (*Orchestrator, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("hypermerge: failed to create base dir: %w", err)
	}
	keyringPath := filepath.Join(baseDir, "keyring.json")
	keyring, err := loadKeyring(keyringPath)
	if err != nil {
		return nil, err
	}
	reg, err := logreg.Open(filepath.Join(baseDir, "logs"), keyring)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		reg:            reg,
		metaStore:      meta.New(),
		tracker:        tracker.New(),
		cache:          doccache.New(),
		sw:             sw,
		keyringPath:    keyringPath,
		mailbox:        make(chan func(), 256),
		done:           make(chan struct{}),
		discoveryActor: map[[32]byte]ActorID{},
	}
	o.ld = loader.New(reg, o.tracker, o.cache, o)

	reg.OnAdd(o.handleLogAdded)
	reg.OnRemove(o.handleLogRemoved)
	sw.OnStream(o.handleStream)

	go o.run()

	if _, err := o.submit(func() (interface{}, error) {
		return nil, o.bootstrap()
	}); err != nil {
		_ = reg.Close()
		return nil, err
	}
	return o, nil
}

// Close stops the event loop and releases the archive. Live document
// handles obtained via Find must not be used afterward.
func (o *Orchestrator) Close() error {
	close(o.done)
	return o.reg.Close()
}

func (o *Orchestrator) run() {
	for {
		select {
		case task := <-o.mailbox:
			task()
		case <-o.done:
			return
		}
	}
}

type mailboxResult struct {
	val interface{}
	err error
}

// submit enqueues f and blocks until it has run on the event loop,
// returning its result. Used by every public operation; never call this
// from inside a task already running on the event loop -- it would
// deadlock waiting on itself.
func (o *Orchestrator) submit(f func() (interface{}, error)) (interface{}, error) {
	out := make(chan mailboxResult, 1)
	o.mailbox <- func() {
		v, err := f()
		out <- mailboxResult{v, err}
	}
	r := <-out
	return r.val, r.err
}

// enqueue schedules f to run on the event loop without waiting for it,
// safe to call both from foreign goroutines (a websocket read pump) and
// from within an already-running task (it simply runs after the current
// one finishes).
func (o *Orchestrator) enqueue(f func()) {
	o.mailbox <- f
}

func (o *Orchestrator) bootstrap() error {
	for _, l := range o.reg.All() {
		o.discoveryActor[l.DiscoveryKey()] = ActorID(l.ActorID())
		if err := o.sw.Join(l.DiscoveryKey()); err != nil {
			return fmt.Errorf("hypermerge: failed to join swarm for %s: %w", ActorID(l.ActorID()), err)
		}
	}
	o.ready = true
	o.emit(ReadyEvent{})
	return nil
}

// handleLogAdded is registered as a Registry.OnAdd callback. Every path
// that creates a log (create, fork, CreateOrOpen from a FEEDS_SHARED
// announcement) is itself only ever invoked from a task running on the
// event loop, so this always executes on that same goroutine and can touch
// Orchestrator state directly.
func (o *Orchestrator) handleLogAdded(l *hmlog.Log) {
	o.discoveryActor[l.DiscoveryKey()] = ActorID(l.ActorID())
	if err := o.sw.Join(l.DiscoveryKey()); err != nil {
		slog.Error("hypermerge: failed to join swarm", "actor", ActorID(l.ActorID()), "err", err)
	}
}

func (o *Orchestrator) handleLogRemoved(l *hmlog.Log) {
	delete(o.discoveryActor, l.DiscoveryKey())
	if err := o.sw.Leave(l.DiscoveryKey()); err != nil {
		slog.Error("hypermerge: failed to leave swarm", "actor", ActorID(l.ActorID()), "err", err)
	}
}

// handleStream is registered as the swarm's OnStream callback, which for
// swarm.WSSwarm fires from a foreign goroutine (the HTTP handler or Dial
// caller) -- so unlike handleLogAdded/handleLogRemoved, it always goes
// through enqueue rather than touching state inline.
func (o *Orchestrator) handleStream(discoveryKey [32]byte, peer *swarm.Peer) {
	o.enqueue(func() {
		actor, ok := o.discoveryActor[discoveryKey]
		if !ok {
			return // a stream for a log we no longer track; drop it
		}
		lg, ok := o.reg.Get([32]byte(actor))
		if !ok {
			return
		}
		connID := uuid.NewString()

		peer.ServeBlocks(func(reqActor [32]byte, index uint64) ([]byte, bool) {
			rl, ok := o.reg.Get(reqActor)
			if !ok {
				return nil, false
			}
			data, found, err := rl.Get(index)
			if err != nil {
				slog.Error("hypermerge: failed to read block for peer request", "actor", ActorID(reqActor), "index", index, "err", err)
				return nil, false
			}
			return data, found
		})

		ext.Attach(peer, ext.Handlers{
			OnFeedsShared: func(keys []string) {
				o.enqueue(func() { o.onFeedsShared(keys) })
			},
			OnMessage: func(raw map[string]interface{}) {
				o.enqueue(func() { o.emit(PeerMessageEvent{Actor: actor, Peer: connID, Message: raw}) })
			},
			OnExtension: func(name string, data []byte) {
				o.enqueue(func() { o.emit(PeerExtensionEvent{Actor: actor, Peer: connID, Name: name, Data: data}) })
			},
		})

		lg.NotePeerAdd(peer)
		o.emit(PeerJoinedEvent{Actor: actor, Peer: connID})
		peer.OnClose(func() {
			o.enqueue(func() {
				lg.NotePeerRemove(peer)
				o.emit(PeerLeftEvent{Actor: actor, Peer: connID})
			})
		})

		// metaStore.Load only ever reads block 0 locally. A pure replica
		// attaching to a log it has never seen before has nothing local to
		// read, so fetch block 0 from this peer first if we're missing it --
		// otherwise a reader's very first Open of someone else's document
		// would never get past ErrNotFound.
		if _, found, err := lg.Get(0); err == nil && !found {
			if data, ok, err := peer.RequestBlock([32]byte(actor), 0); err == nil && ok {
				if err := lg.Receive(0, data); err != nil {
					slog.Error("hypermerge: failed to persist fetched metadata block", "actor", actor, "err", err)
				}
			}
		}

		rec, err := o.metaStore.Load([32]byte(actor), lg)
		switch {
		case err == nil:
			if rec.DocID == [32]byte(actor) {
				o.announceFeedsSharedTo(peer, rec)
				if err := o.ld.LoadOwn(rec.DocID); err != nil {
					slog.Error("hypermerge: load own failed", "doc", ActorID(rec.DocID), "err", err)
				}
			}
			if err := o.ld.LoadMissing(rec.DocID); err != nil {
				slog.Error("hypermerge: load missing failed", "doc", ActorID(rec.DocID), "err", err)
			}
			// actor's blocks just became locally fetchable (this peer now
			// serves them), but rec.DocID is only the document actor itself
			// roots. Any other already-open document whose pending envelope
			// depends on actor -- not actor's own document -- would otherwise
			// sit blocked until its own next unrelated advance retries
			// LoadMissing, so give every cached document a chance to drain
			// its pending queue against this newly available actor too.
			o.retryMissingForAllCached()
		case errors.Is(err, meta.ErrNotFound):
			// log has no blocks yet; nothing to announce or load until
			// replication delivers its metadata record.
		default:
			slog.Error("hypermerge: failed to load peer's log metadata", "actor", actor, "err", err)
		}
	})
}

// retryMissingForAllCached re-runs LoadMissing for every currently cached
// document. It's a cheap fixed-point retry: LoadMissing is a no-op for a
// document whose pending queue is empty or still blocked on an actor we
// truly have no new information about.
func (o *Orchestrator) retryMissingForAllCached() {
	for _, docID := range o.cache.Keys() {
		if err := o.ld.LoadMissing(docID); err != nil {
			slog.Error("hypermerge: load missing retry failed", "doc", ActorID(docID), "err", err)
		}
	}
}

func (o *Orchestrator) announceFeedsSharedTo(peer *swarm.Peer, rec meta.Record) {
	actors := o.metaStore.GroupActors(rec.GroupID)
	keys := make([]string, 0, len(actors))
	for _, a := range actors {
		keys = append(keys, ActorID(a).String())
	}
	if err := ext.AnnounceFeedsShared(peer, keys); err != nil {
		slog.Error("hypermerge: failed to announce feeds shared", "err", err)
	}
}

// onFeedsShared implements spec.md §4.6's receiver behavior: for each
// announced key not yet known, open its log, which triggers a metadata
// load and causal loading once blocks arrive.
func (o *Orchestrator) onFeedsShared(keys []string) {
	for _, k := range keys {
		actor, err := ActorIDFromHex(k)
		if err != nil {
			continue // malformed announcement -- ignore rather than disconnect
		}
		if _, ok := o.reg.Get([32]byte(actor)); ok {
			continue
		}
		l, err := o.reg.CreateOrOpen((*[32]byte)(&actor))
		if err != nil {
			slog.Error("hypermerge: failed to open announced feed", "actor", actor, "err", err)
			continue
		}
		o.emit(FeedReadyEvent{Actor: actor})
		rec, err := o.metaStore.Load([32]byte(actor), l)
		if err != nil {
			continue // empty or not yet readable; a later download event retries
		}
		if err := o.ld.LoadMissing(rec.DocID); err != nil {
			slog.Error("hypermerge: load missing failed", "doc", ActorID(rec.DocID), "err", err)
		}
	}
}

func (o *Orchestrator) emit(e Event) {
	o.listenersMu.Lock()
	ls := append([]Listener(nil), o.listeners...)
	o.listenersMu.Unlock()
	for _, l := range ls {
		l(e)
	}
}

// DocumentReady implements loader.EventSink.
func (o *Orchestrator) DocumentReady(docID [32]byte, doc *crdt.Doc) {
	o.emit(DocumentReadyEvent{DocID: DocID(docID), Doc: doc})
}

// DocumentUpdated implements loader.EventSink.
func (o *Orchestrator) DocumentUpdated(docID [32]byte, doc *crdt.Doc) {
	o.emit(DocumentUpdatedEvent{DocID: DocID(docID), Doc: doc})
}

// OnEvent registers a listener for every lifecycle event from spec.md §4.7.
func (o *Orchestrator) OnEvent(fn Listener) {
	o.listenersMu.Lock()
	o.listeners = append(o.listeners, fn)
	o.listenersMu.Unlock()
}

// IsReady reports whether the registry has finished its initial on-disk
// enumeration.
func (o *Orchestrator) IsReady() bool {
	v, _ := o.submit(func() (interface{}, error) { return o.ready, nil })
	return v.(bool)
}

// CreateOptions overrides the defaults Create would otherwise use. Leaving
// every field nil creates a brand new document; setting DocID/GroupID to an
// existing document's ids instead mints a new contributor log that writes
// into that document's group, per spec.md §4.5.
type CreateOptions struct {
	DocID    *ActorID
	GroupID  *ActorID
	ParentID *ActorID
}

// Create allocates a new log with a fresh keypair, per spec.md §4.5.
// Exempt from the ready-state requirement, matching spec.md's literal
// failure-rule carve-out for create/joinSwarm -- joinSwarm itself has no
// separate public method here, since every log's swarm join/leave is
// already driven automatically by the registry's add/remove hooks.
func (o *Orchestrator) Create(opts CreateOptions) (ActorID, error) {
	v, err := o.submit(func() (interface{}, error) {
		return o.create(opts)
	})
	if err != nil {
		return ActorID{}, err
	}
	return v.(ActorID), nil
}

func (o *Orchestrator) create(opts CreateOptions) (ActorID, error) {
	l, err := o.reg.CreateOrOpen(nil)
	if err != nil {
		return ActorID{}, err
	}
	self := ActorID(l.ActorID())

	docID, groupID := self, self
	if opts.DocID != nil {
		docID = *opts.DocID
	}
	if opts.GroupID != nil {
		groupID = *opts.GroupID
	}
	rec := wire.MetadataRecord{Hypermerge: 1, DocID: docID.String(), GroupID: groupID.String()}
	if opts.ParentID != nil {
		p := opts.ParentID.String()
		rec.ParentID = &p
	}
	if err := rec.Validate(); err != nil {
		return ActorID{}, err
	}
	if err := appendMetadata(l, rec); err != nil {
		return ActorID{}, err
	}
	metaRec, err := o.metaStore.Load([32]byte(self), l)
	if err != nil {
		return ActorID{}, err
	}

	doc, err := crdt.New(self.String())
	if err != nil {
		return ActorID{}, err
	}
	o.cache.Put(metaRec.DocID, doc)
	o.tracker.Bump(metaRec.DocID, [32]byte(self), l.Length())

	if err := saveKeyring(o.keyringPath, o.reg.PrivateKeys()); err != nil {
		slog.Error("hypermerge: failed to persist keyring", "err", err)
	}

	if err := o.ld.LoadMissing(metaRec.DocID); err != nil {
		return ActorID{}, err
	}
	o.announceNewFeedToGroup(metaRec)
	return self, nil
}

// appendMetadata writes rec as l's block 0, the one-time Metadata Record
// every log must carry per spec.md §6.3. Metadata is immutable once
// written -- a log that already has any blocks refuses a second metadata
// write rather than silently clobbering or appending past it.
func appendMetadata(l *hmlog.Log, rec wire.MetadataRecord) error {
	if l.Length() != 0 {
		return ErrMetadataNonEmpty
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = l.Append(raw)
	return err
}

// announceNewFeedToGroup tells every peer already attached to a sibling log
// in the same group about a freshly-minted actor id, so they don't have to
// wait for their own next reconnect to learn about it.
func (o *Orchestrator) announceNewFeedToGroup(rec meta.Record) {
	actors := o.metaStore.GroupActors(rec.GroupID)
	keys := make([]string, 0, len(actors))
	for _, a := range actors {
		keys = append(keys, ActorID(a).String())
	}
	for _, a := range actors {
		lg, ok := o.reg.Get(a)
		if !ok {
			continue
		}
		for _, p := range lg.Peers() {
			if err := ext.AnnounceFeedsShared(p, keys); err != nil {
				slog.Error("hypermerge: failed to announce new feed", "err", err)
			}
		}
	}
}

// Open ensures a log handle exists for docID (possibly empty, to be filled
// by replication) and builds its cached document if not already present.
func (o *Orchestrator) Open(docID DocID) error {
	_, err := o.submit(func() (interface{}, error) {
		return nil, o.open(docID)
	})
	return err
}

func (o *Orchestrator) open(docID DocID) error {
	if !o.ready {
		return ErrNotReady
	}
	if _, ok := o.cache.Get([32]byte(docID)); ok {
		return nil
	}
	if _, err := o.reg.CreateOrOpen((*[32]byte)(&docID)); err != nil {
		return err
	}
	doc, err := crdt.New("")
	if err != nil {
		return err
	}
	o.cache.Put([32]byte(docID), doc)
	if err := o.ld.LoadOwn([32]byte(docID)); err != nil {
		return err
	}
	return o.ld.LoadMissing([32]byte(docID))
}

// Find returns the cached document for docID.
func (o *Orchestrator) Find(docID DocID) (*crdt.Doc, error) {
	v, err := o.submit(func() (interface{}, error) {
		if !o.ready {
			return nil, ErrNotReady
		}
		doc, ok := o.cache.Get([32]byte(docID))
		if !ok {
			return nil, ErrNotOpened
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*crdt.Doc), nil
}

// OpenDocIDs returns every document id currently cached, for callers that
// need to enumerate rather than look up (e.g. a periodic snapshot backup).
func (o *Orchestrator) OpenDocIDs() []DocID {
	v, _ := o.submit(func() (interface{}, error) {
		keys := o.cache.Keys()
		out := make([]DocID, len(keys))
		for i, k := range keys {
			out[i] = DocID(k)
		}
		return out, nil
	})
	return v.([]DocID)
}

// Conflicts returns docID's concurrent-write side channel for one field
// path, per spec.md §3 ("{fieldPath: {actorId: losingValue}}") -- nil if
// that field has never had a concurrent write. It never mutates state, so
// it's safe to call read-only like Find.
func (o *Orchestrator) Conflicts(docID DocID, path string) (map[string]any, error) {
	v, err := o.submit(func() (interface{}, error) {
		doc, ok := o.cache.Get([32]byte(docID))
		if !ok {
			return nil, ErrNotOpened
		}
		return doc.Conflicts(path), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Snapshot returns the full serialized form of docID's current document
// (crdt.Doc.Save, including history), for cold-bootstrap backups.
func (o *Orchestrator) Snapshot(docID DocID) ([]byte, error) {
	v, err := o.submit(func() (interface{}, error) {
		doc, ok := o.cache.Get([32]byte(docID))
		if !ok {
			return nil, ErrNotOpened
		}
		return doc.Save(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Change mutates docID's document through fn, committing the result as a
// new change authored by whichever local actor created/opened it, and
// appends the resulting envelopes to that actor's own log.
func (o *Orchestrator) Change(docID DocID, message string, fn func(*automerge.Doc) error) error {
	_, err := o.submit(func() (interface{}, error) {
		return nil, o.change(docID, message, fn)
	})
	return err
}

func (o *Orchestrator) change(docID DocID, message string, fn func(*automerge.Doc) error) error {
	if !o.ready {
		return ErrNotReady
	}
	doc, ok := o.cache.Get([32]byte(docID))
	if !ok {
		return ErrNotOpened
	}
	before, err := doc.Fork()
	if err != nil {
		return err
	}
	if err := doc.Change(message, fn); err != nil {
		return err
	}
	l, selfActor, err := o.ownWritableLog(doc, docID)
	if err != nil {
		return err
	}
	if err := o.appendOwnChanges(doc, before, l, docID, selfActor); err != nil {
		return err
	}
	o.ld.MarkAdvanced([32]byte(docID))
	return nil
}

// Merge folds source into dest; since a plain CRDT merge never authors a
// change under dest's own actor id, this ordinarily appends nothing to
// dest's log (spec.md §4.5 describes the general append path, which here
// is simply a no-op over an empty change set).
func (o *Orchestrator) Merge(destID, sourceID DocID) error {
	_, err := o.submit(func() (interface{}, error) {
		return nil, o.merge(destID, sourceID)
	})
	return err
}

func (o *Orchestrator) merge(destID, sourceID DocID) error {
	if !o.ready {
		return ErrNotReady
	}
	dest, ok := o.cache.Get([32]byte(destID))
	if !ok {
		return ErrNotOpened
	}
	source, ok := o.cache.Get([32]byte(sourceID))
	if !ok {
		return ErrNotOpened
	}
	before, err := dest.Fork()
	if err != nil {
		return err
	}
	if err := dest.Merge(source); err != nil {
		return err
	}
	l, selfActor, err := o.ownWritableLog(dest, destID)
	if err != nil {
		return err
	}
	if err := o.appendOwnChanges(dest, before, l, destID, selfActor); err != nil {
		return err
	}
	o.ld.MarkAdvanced([32]byte(destID))
	return nil
}

// Fork allocates a new writable log whose metadata names parentID, merges
// in parentID's current content, and seeds that merge with one empty
// change authored by the fork's own actor id -- so the fork's dependency
// vector dominates the parent's tip, per spec.md §4.5.
func (o *Orchestrator) Fork(parentID DocID) (ActorID, error) {
	v, err := o.submit(func() (interface{}, error) {
		return o.fork(parentID)
	})
	if err != nil {
		return ActorID{}, err
	}
	return v.(ActorID), nil
}

func (o *Orchestrator) fork(parentID DocID) (ActorID, error) {
	if !o.ready {
		return ActorID{}, ErrNotReady
	}
	parentDoc, ok := o.cache.Get([32]byte(parentID))
	if !ok {
		return ActorID{}, ErrNotOpened
	}
	parentRec, ok := o.metaStore.Get([32]byte(parentID))
	if !ok {
		return ActorID{}, ErrNotOpened
	}

	l, err := o.reg.CreateOrOpen(nil)
	if err != nil {
		return ActorID{}, err
	}
	self := ActorID(l.ActorID())

	p := parentID.String()
	rec := wire.MetadataRecord{
		Hypermerge: 1,
		DocID:      self.String(),
		GroupID:    ActorID(parentRec.GroupID).String(),
		ParentID:   &p,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return ActorID{}, err
	}
	if _, err := l.Append(raw); err != nil {
		return ActorID{}, err
	}
	metaRec, err := o.metaStore.Load([32]byte(self), l)
	if err != nil {
		return ActorID{}, err
	}

	doc, err := crdt.New(self.String())
	if err != nil {
		return ActorID{}, err
	}
	if err := doc.Merge(parentDoc); err != nil {
		return ActorID{}, err
	}
	if err := doc.Change("fork", func(*automerge.Doc) error { return nil }); err != nil {
		return ActorID{}, err
	}
	o.cache.Put(metaRec.DocID, doc)

	if err := o.appendOwnChanges(doc, nil, l, metaRec.DocID, self); err != nil {
		return ActorID{}, err
	}

	if err := saveKeyring(o.keyringPath, o.reg.PrivateKeys()); err != nil {
		slog.Error("hypermerge: failed to persist keyring", "err", err)
	}

	o.ld.MarkAdvanced(metaRec.DocID)
	o.announceNewFeedToGroup(metaRec)
	return self, nil
}

// ownWritableLog resolves the local writable log for doc's own tagged
// actor id, failing if this process never created/forked into this
// document (a pure replica has no actor to author changes as).
func (o *Orchestrator) ownWritableLog(doc *crdt.Doc, docID DocID) (*hmlog.Log, ActorID, error) {
	selfHex := doc.ActorID()
	if selfHex == "" {
		return nil, ActorID{}, fmt.Errorf("hypermerge: document %s has no local writable actor", docID)
	}
	selfActor, err := ActorIDFromHex(selfHex)
	if err != nil {
		return nil, ActorID{}, err
	}
	l, ok := o.reg.Get([32]byte(selfActor))
	if !ok || !l.Writable() {
		return nil, ActorID{}, fmt.Errorf("hypermerge: document %s has no local writable actor", docID)
	}
	return l, selfActor, nil
}

// appendOwnChanges encodes every change authored by selfActor new since
// before (nil meaning "from the start") and appends them to l, bumping the
// tracker cursor for our own log to match.
func (o *Orchestrator) appendOwnChanges(doc, before *crdt.Doc, l *hmlog.Log, docID [32]byte, selfActor ActorID) error {
	envs, err := doc.EncodeOwnChanges(selfActor.String(), before)
	if err != nil {
		return err
	}
	for _, env := range envs {
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := l.Append(raw); err != nil {
			return err
		}
	}
	if len(envs) > 0 {
		o.tracker.Bump(docID, [32]byte(selfActor), l.Length())
	}
	return nil
}

// Delete archive-removes docID: evicts its registry handle and cached
// document. It does not touch blocks already written to disk.
func (o *Orchestrator) Delete(docID DocID) error {
	_, err := o.submit(func() (interface{}, error) {
		return nil, o.delete(docID)
	})
	return err
}

func (o *Orchestrator) delete(docID DocID) error {
	if !o.ready {
		return ErrNotReady
	}
	if _, ok := o.cache.Get([32]byte(docID)); !ok {
		return ErrNotOpened
	}
	o.reg.Remove([32]byte(docID))
	o.cache.Delete([32]byte(docID))
	return nil
}

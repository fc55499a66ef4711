// Package logreg implements the Log Registry from spec.md §4.1: owns the
// set of live Log Handles keyed by actor id, owns the on-disk archive, and
// participates in swarm join/leave as feeds are added and removed.
package logreg

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	hmlog "github.com/mmcgrana/hypermerge/log"
)

// Registry owns every Log this process has opened, plus the shared archive.
type Registry struct {
	db *badger.DB

	mu      sync.Mutex
	logs    map[[32]byte]*hmlog.Log
	keys    map[[32]byte]ed25519.PrivateKey // private keys for logs we own
	opening map[[32]byte]chan struct{}      // Open Question #1: in-progress opens

	onAdd, onRemove []func(l *hmlog.Log)
}

// Open opens (or creates) a badger archive at dir and constructs a Registry
// over it, restoring any private keys passed in keyring (actor -> priv);
// logs without a matching keyring entry are opened read-only.
func Open(dir string, keyring map[[32]byte]ed25519.PrivateKey) (*Registry, error) {
	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "logreg: failed to open archive")
	}
	r := &Registry{
		db:      db,
		logs:    map[[32]byte]*hmlog.Log{},
		keys:    keyring,
		opening: map[[32]byte]chan struct{}{},
	}
	if r.keys == nil {
		r.keys = map[[32]byte]ed25519.PrivateKey{}
	}
	if err := r.scan(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the archive. Live Log handles remain valid for reads of
// already-scanned data but should not be used afterward.
func (r *Registry) Close() error {
	return r.db.Close()
}

// scan enumerates every actor id with at least one stored block and
// constructs a Log handle for it, implementing the "ready" enumeration
// spec.md §4.7 describes (emitted as hypermerge.ReadyEvent by the caller
// once this returns).
func (r *Registry) scan() error {
	lengths := map[[32]byte]uint64{}
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if len(key) != 32+8 {
				continue
			}
			var actor [32]byte
			copy(actor[:], key[:32])
			idx := binary.BigEndian.Uint64(key[32:])
			if idx+1 > lengths[actor] {
				lengths[actor] = idx + 1
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "logreg: failed to scan archive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, length := range lengths {
		r.logs[actor] = hmlog.Open(r.db, actor, r.keys[actor], length)
	}
	return nil
}

// CreateOrOpen implements spec.md §4.1's createOrOpen: if actor is given,
// returns the existing log or opens an empty one that replication will fill
// in; if omitted (the zero value), creates a new writable log with a fresh
// keypair. Per the Open Question resolution in spec.md §9, this never
// eagerly creates a second log when a writable one (or an in-progress open)
// already exists for the same actor.
func (r *Registry) CreateOrOpen(actor *[32]byte) (*hmlog.Log, error) {
	if actor == nil {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, errors.Wrap(err, "logreg: failed to generate keypair")
		}
		var a [32]byte
		copy(a[:], pub)
		return r.createWritable(a, priv)
	}

	r.mu.Lock()
	if l, ok := r.logs[*actor]; ok {
		r.mu.Unlock()
		return l, nil
	}
	if ch, ok := r.opening[*actor]; ok {
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
		l := r.logs[*actor]
		r.mu.Unlock()
		return l, nil
	}
	ch := make(chan struct{})
	r.opening[*actor] = ch
	r.mu.Unlock()

	l := hmlog.Open(r.db, *actor, r.keys[*actor], 0)

	r.mu.Lock()
	r.logs[*actor] = l
	delete(r.opening, *actor)
	close(ch)
	cbs := append([]func(*hmlog.Log){}, r.onAdd...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(l)
	}
	return l, nil
}

func (r *Registry) createWritable(actor [32]byte, priv ed25519.PrivateKey) (*hmlog.Log, error) {
	r.mu.Lock()
	r.keys[actor] = priv
	l := hmlog.Open(r.db, actor, priv, 0)
	r.logs[actor] = l
	cbs := append([]func(*hmlog.Log){}, r.onAdd...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(l)
	}
	return l, nil
}

// PrivateKeys returns a copy of every private key this process currently
// holds, keyed by actor id -- used to persist the keyring across restarts.
func (r *Registry) PrivateKeys() map[[32]byte]ed25519.PrivateKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[[32]byte]ed25519.PrivateKey, len(r.keys))
	for a, k := range r.keys {
		out[a] = k
	}
	return out
}

// Get returns the live handle for actor, if any.
func (r *Registry) Get(actor [32]byte) (*hmlog.Log, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[actor]
	return l, ok
}

// All returns every currently-registered log.
func (r *Registry) All() []*hmlog.Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*hmlog.Log, 0, len(r.logs))
	for _, l := range r.logs {
		out = append(out, l)
	}
	return out
}

// Remove archives and evicts the log for docID (its root actor id), per
// spec.md §4.1: this does not delete blocks from disk, only drops the live
// handle and fires a swarm-leave via OnRemove.
func (r *Registry) Remove(docID [32]byte) {
	r.mu.Lock()
	l, ok := r.logs[docID]
	if ok {
		delete(r.logs, docID)
	}
	cbs := append([]func(*hmlog.Log){}, r.onRemove...)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, cb := range cbs {
		cb(l)
	}
}

// OnAdd registers a callback fired whenever a log enters the registry --
// the swarm subscribes to this to join the log's discovery key.
func (r *Registry) OnAdd(fn func(l *hmlog.Log)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAdd = append(r.onAdd, fn)
}

// OnRemove registers a callback fired whenever a log leaves the registry.
func (r *Registry) OnRemove(fn func(l *hmlog.Log)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

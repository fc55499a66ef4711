// Package log implements the Log Handle from spec.md §4.1/§6.1: a thin
// adapter over one append-only binary log identified by a 32-byte actor id,
// offering append, random-read by block index, length, writable flag,
// readiness, and per-peer connection events.
//
// Blocks are stored in a shared badger key-value store under the key
// actorID || big-endian(blockIndex), grounded on DESIGN.md's choice of
// badger as the archive engine (no repo in the retrieved pack implements an
// actual hypercore-equivalent append log, and badger's ordered-key LSM
// fits a per-actor block sequence well).
package log

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/mmcgrana/hypermerge/swarm"
)

// Log is one actor's append-only block sequence.
type Log struct {
	db     *badger.DB
	actor  [32]byte
	priv   ed25519.PrivateKey // nil for a log we don't own
	mu     sync.RWMutex
	length uint64
	peers  map[string]*swarm.Peer

	onPeerAdd, onPeerRemove []func(peer *swarm.Peer)
}

// Open constructs a Log handle bound to actor in db. priv is non-nil iff
// this process owns the private key (and may Append); length is the block
// count already on disk, as discovered by the registry at startup.
func Open(db *badger.DB, actor [32]byte, priv ed25519.PrivateKey, length uint64) *Log {
	return &Log{db: db, actor: actor, priv: priv, length: length}
}

// Writable reports whether this process holds the private key for this log
// and may append to it.
func (l *Log) Writable() bool { return l.priv != nil }

// ActorID returns the log's public key / identity.
func (l *Log) ActorID() [32]byte { return l.actor }

// DiscoveryKey is the swarm rendezvous token derived from the public key
// (spec.md §3: "derived hash used for swarm rendezvous"), concretely
// sha256(actorID) here.
func (l *Log) DiscoveryKey() [32]byte {
	return sha256.Sum256(l.actor[:])
}

// Length returns the number of blocks appended so far (including block 0,
// once written).
func (l *Log) Length() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.length
}

// Get reads block index, returning ok=false if it hasn't been written yet.
func (l *Log) Get(index uint64) ([]byte, bool, error) {
	l.mu.RLock()
	have := index < l.length
	l.mu.RUnlock()
	if !have {
		return nil, false, nil
	}
	var out []byte
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(l.actor, index))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "log: failed to read block %d of %s", index, hexActor(l.actor))
	}
	return out, true, nil
}

// Append writes one new block at the current length and advances it. It
// fails if this log is not writable.
func (l *Log) Append(block []byte) (index uint64, err error) {
	if !l.Writable() {
		return 0, fmt.Errorf("log: %s is not writable", hexActor(l.actor))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.length
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(l.actor, idx), block)
	}); err != nil {
		return 0, errors.Wrapf(err, "log: failed to append block %d to %s", idx, hexActor(l.actor))
	}
	l.length = idx + 1
	return idx, nil
}

// Receive persists a block fetched from a peer at a specific index. Unlike
// Append it does not require Writable(): a replica never authors blocks for
// a log it doesn't own, but it does need to keep its own local copy of
// whatever it has fetched, both so it can re-serve the block to other peers
// and so it doesn't re-request it after a restart. It is a no-op if index is
// already covered, and fails on a gap (the causal loader only ever fetches
// in increasing order for a given actor).
func (l *Log) Receive(index uint64, block []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < l.length {
		return nil
	}
	if index > l.length {
		return fmt.Errorf("log: cannot receive block %d of %s out of order (have %d)", index, hexActor(l.actor), l.length)
	}
	if err := l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(l.actor, index), block)
	}); err != nil {
		return errors.Wrapf(err, "log: failed to receive block %d of %s", index, hexActor(l.actor))
	}
	l.length = index + 1
	return nil
}

// OnPeerAdd registers a callback fired whenever a peer attaches to this log.
func (l *Log) OnPeerAdd(fn func(peer *swarm.Peer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPeerAdd = append(l.onPeerAdd, fn)
}

// OnPeerRemove registers a callback fired whenever a peer detaches.
func (l *Log) OnPeerRemove(fn func(peer *swarm.Peer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPeerRemove = append(l.onPeerRemove, fn)
}

// NotePeerAdd is called by the swarm layer when a peer attaches.
func (l *Log) NotePeerAdd(peer *swarm.Peer) {
	l.mu.Lock()
	if l.peers == nil {
		l.peers = map[string]*swarm.Peer{}
	}
	l.peers[peer.ID] = peer
	cbs := append([]func(*swarm.Peer){}, l.onPeerAdd...)
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(peer)
	}
}

// NotePeerRemove is called by the swarm layer when a peer detaches.
func (l *Log) NotePeerRemove(peer *swarm.Peer) {
	l.mu.Lock()
	delete(l.peers, peer.ID)
	cbs := append([]func(*swarm.Peer){}, l.onPeerRemove...)
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(peer)
	}
}

// Peers returns every currently-attached peer connection.
func (l *Log) Peers() []*swarm.Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*swarm.Peer, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, p)
	}
	return out
}

// AnyPeer returns one attached peer, if any, for opportunistic block
// requests -- the loader does not need a specific routing policy, only
// "someone who might have it" (spec.md treats bandwidth prioritization as a
// Non-goal).
func (l *Log) AnyPeer() (*swarm.Peer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, p := range l.peers {
		return p, true
	}
	return nil, false
}

func blockKey(actor [32]byte, index uint64) []byte {
	k := make([]byte, 32+8)
	copy(k, actor[:])
	binary.BigEndian.PutUint64(k[32:], index)
	return k
}

func hexActor(a [32]byte) string {
	return hex.EncodeToString(a[:])
}

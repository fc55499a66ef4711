// Package meta implements the Metadata Store from spec.md §4.2: in-memory
// indices mapping actor id -> metadata record, group id -> set of actor ids,
// and document id -> set of actor ids. Metadata is durable as block 0 of
// each log; this package only owns the in-memory projection of it.
package meta

import (
	"sync"

	"github.com/mmcgrana/hypermerge/internal/wire"
)

// Record mirrors wire.MetadataRecord with typed ids instead of hex strings,
// resolved once at load time.
type Record struct {
	DocID    [32]byte
	GroupID  [32]byte
	ParentID *[32]byte
}

// ErrNotFound is returned by Load when the log has no block 0 yet.
type notFoundError struct{}

func (notFoundError) Error() string { return "meta: actor has no metadata (log is empty)" }

// ErrNotFound is the sentinel checked with errors.Is.
var ErrNotFound error = notFoundError{}

// ErrNonEmpty is returned by AppendMetadata (via the caller, see Store.Set)
// when metadata is written into a log that already has blocks -- the
// precondition check itself lives in the orchestrator/log layer, since only
// they know the log's length; this package only records first-writer-wins.
type nonEmptyError struct{}

func (nonEmptyError) Error() string { return "meta: log already has metadata" }

var ErrNonEmpty error = nonEmptyError{}

// reader is the subset of log.Log the store needs to fetch block 0, kept
// narrow to avoid an import cycle with the log package.
type blockReader interface {
	Get(index uint64) ([]byte, bool, error)
}

// Store owns metaIndex/docIndex/groupIndex, serialized by its own mutex --
// outside of the orchestrator's single mailbox, this is the only component
// that callers may reach concurrently (e.g. from tests), so it defends
// itself rather than relying solely on spec.md §5's single-owner model.
type Store struct {
	mu         sync.Mutex
	metaIndex  map[[32]byte]Record
	docIndex   map[[32]byte]map[[32]byte]struct{}
	groupIndex map[[32]byte]map[[32]byte]struct{}
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		metaIndex:  map[[32]byte]Record{},
		docIndex:   map[[32]byte]map[[32]byte]struct{}{},
		groupIndex: map[[32]byte]map[[32]byte]struct{}{},
	}
}

// Load returns the cached record for actor if present, else reads block 0
// from r, parses and validates it, caches it, and updates the indices. A log
// with no blocks yields ErrNotFound; a malformed block 0 yields an error
// wrapping hypermerge.ErrCorruptMetadata (via the caller, which knows that
// sentinel) -- this package returns the raw decode error and lets callers
// classify it, to avoid importing the root package here.
func (s *Store) Load(actor [32]byte, r blockReader) (Record, error) {
	s.mu.Lock()
	if rec, ok := s.metaIndex[actor]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	raw, ok, err := r.Get(0)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	var m wire.MetadataRecord
	if err := wire.StrictDecode(raw, &m); err != nil {
		return Record{}, err
	}
	if err := m.Validate(); err != nil {
		return Record{}, err
	}
	rec, err := recordFromWire(m)
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	s.set(actor, rec)
	s.mu.Unlock()
	return rec, nil
}

// Set records rec for actor if nothing is recorded yet (first-writer-wins,
// per the byzantine-tolerance note in spec.md §4.4); returns whether it was
// the one that got recorded.
func (s *Store) Set(actor [32]byte, rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metaIndex[actor]; ok {
		return false
	}
	s.set(actor, rec)
	return true
}

// set must be called with s.mu held.
func (s *Store) set(actor [32]byte, rec Record) {
	if _, ok := s.metaIndex[actor]; ok {
		return
	}
	s.metaIndex[actor] = rec
	if s.docIndex[rec.DocID] == nil {
		s.docIndex[rec.DocID] = map[[32]byte]struct{}{}
	}
	s.docIndex[rec.DocID][actor] = struct{}{}
	if s.groupIndex[rec.GroupID] == nil {
		s.groupIndex[rec.GroupID] = map[[32]byte]struct{}{}
	}
	s.groupIndex[rec.GroupID][actor] = struct{}{}
}

// Get returns the cached record for actor without touching storage.
func (s *Store) Get(actor [32]byte) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.metaIndex[actor]
	return rec, ok
}

// DocActors returns the set of actor ids whose metadata declares docID,
// i.e. docIndex[docID] from spec.md §3.
func (s *Store) DocActors(docID [32]byte) []([32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.docIndex[docID]
	out := make([][32]byte, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// GroupActors returns groupIndex[groupID]: every actor id sharing that
// group, used to build FEEDS_SHARED announcements (spec.md §4.6).
func (s *Store) GroupActors(groupID [32]byte) []([32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.groupIndex[groupID]
	out := make([][32]byte, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

func recordFromWire(m wire.MetadataRecord) (Record, error) {
	var rec Record
	docID, err := hexTo32(m.DocID)
	if err != nil {
		return rec, err
	}
	groupID, err := hexTo32(m.GroupID)
	if err != nil {
		return rec, err
	}
	rec.DocID = docID
	rec.GroupID = groupID
	if m.ParentID != nil {
		p, err := hexTo32(*m.ParentID)
		if err != nil {
			return rec, err
		}
		rec.ParentID = &p
	}
	return rec, nil
}

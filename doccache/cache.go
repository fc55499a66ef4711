// Package doccache implements the CRDT Document Cache from spec.md §2.5:
// the mapping from document id to the current materialized CRDT state,
// mutated by local change, by applied remote changes, or by initial
// construction. Per spec.md §5, mutation is only ever reached through the
// Orchestrator's single mailbox, so this package does no locking of its
// own -- it is a plain map wrapped for a named, auditable access point.
package doccache

import "github.com/mmcgrana/hypermerge/crdt"

// Cache owns every currently-open document's materialized state.
type Cache struct {
	docs map[[32]byte]*crdt.Doc
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{docs: map[[32]byte]*crdt.Doc{}}
}

// Get returns the cached document for docID, if any.
func (c *Cache) Get(docID [32]byte) (*crdt.Doc, bool) {
	d, ok := c.docs[docID]
	return d, ok
}

// Put stores doc as the current state of docID.
func (c *Cache) Put(docID [32]byte, doc *crdt.Doc) {
	c.docs[docID] = doc
}

// Delete evicts docID from the cache.
func (c *Cache) Delete(docID [32]byte) {
	delete(c.docs, docID)
}

// Len returns the number of cached documents.
func (c *Cache) Len() int { return len(c.docs) }

// Keys returns every currently-cached document id, used by callers (e.g. a
// periodic snapshot backup) that need to enumerate rather than look up.
func (c *Cache) Keys() [][32]byte {
	out := make([][32]byte, 0, len(c.docs))
	for k := range c.docs {
		out = append(out, k)
	}
	return out
}

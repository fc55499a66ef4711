package hypermerge

import (
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/require"

	"github.com/mmcgrana/hypermerge/internal/wire"
	"github.com/mmcgrana/hypermerge/swarm"
)

func incCounter(doc *automerge.Doc) error {
	return doc.Path("counter").Counter().Inc(1)
}

func counterValue(t *testing.T, docID DocID, o *Orchestrator) int64 {
	t.Helper()
	doc, err := o.Find(docID)
	require.NoError(t, err)
	v, err := doc.Automerge().Path("counter").Counter().Get()
	require.NoError(t, err)
	return v
}

func openOrchestrator(t *testing.T, sw swarm.Swarm) *Orchestrator {
	t.Helper()
	o, err := Open(t.TempDir(), sw)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestCreateThenChangeIsVisibleLocally(t *testing.T) {
	broker := swarm.NewBroker()
	o := openOrchestrator(t, swarm.NewLocal("a", broker))

	docID, err := o.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, o.Change(DocID(docID), "inc", incCounter))
	require.Equal(t, int64(1), counterValue(t, DocID(docID), o))
}

func TestForkDominatesParentTip(t *testing.T) {
	broker := swarm.NewBroker()
	o := openOrchestrator(t, swarm.NewLocal("a", broker))

	parentID, err := o.Create(CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, o.Change(DocID(parentID), "inc", incCounter))

	forkID, err := o.Fork(DocID(parentID))
	require.NoError(t, err)

	require.Equal(t, int64(1), counterValue(t, DocID(forkID), o), "fork must include the parent's change")

	forkDoc, err := o.Find(DocID(forkID))
	require.NoError(t, err)
	require.NotEmpty(t, forkDoc.Heads(), "fork's explicit empty commit must produce a new head")
}

func TestMergeBringsInSourceChanges(t *testing.T) {
	broker := swarm.NewBroker()
	o := openOrchestrator(t, swarm.NewLocal("a", broker))

	docA, err := o.Create(CreateOptions{})
	require.NoError(t, err)
	docB, err := o.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, o.Change(DocID(docB), "inc", incCounter))
	require.NoError(t, o.Merge(DocID(docA), DocID(docB)))

	require.Equal(t, int64(1), counterValue(t, DocID(docA), o))
}

func TestDeleteEvictsCachedDocument(t *testing.T) {
	broker := swarm.NewBroker()
	o := openOrchestrator(t, swarm.NewLocal("a", broker))

	docID, err := o.Create(CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, o.Delete(DocID(docID)))
	_, err = o.Find(DocID(docID))
	require.ErrorIs(t, err, ErrNotOpened)
}

// TestAppendMetadataRejectsNonEmptyLog is spec.md §8's "metadata
// immutability" testable property: a log that already has a block refuses
// a second metadata write rather than clobbering or appending past it.
// Create always hands appendMetadata a brand new, empty log, so this
// exercises the guard directly against a log pre-seeded with a block.
func TestAppendMetadataRejectsNonEmptyLog(t *testing.T) {
	broker := swarm.NewBroker()
	o := openOrchestrator(t, swarm.NewLocal("a", broker))

	l, err := o.reg.CreateOrOpen(nil)
	require.NoError(t, err)
	_, err = l.Append([]byte(`{"hypermerge":1,"docId":"already-here","groupId":"already-here"}`))
	require.NoError(t, err)

	err = appendMetadata(l, wire.MetadataRecord{Hypermerge: 1, DocID: "new", GroupID: "new"})
	require.ErrorIs(t, err, ErrMetadataNonEmpty)
}

// TestTwoOrchestratorsReplicateOverLocalSwarm exercises the full cold-start
// replication path: orchestrator a creates and changes a document, then
// orchestrator b -- which has never seen it before -- opens it and must
// receive its content entirely over the wire, both connected through an
// in-process swarm.Local pairing.
func TestTwoOrchestratorsReplicateOverLocalSwarm(t *testing.T) {
	broker := swarm.NewBroker()
	oa := openOrchestrator(t, swarm.NewLocal("a", broker))
	ob := openOrchestrator(t, swarm.NewLocal("b", broker))

	docID, err := oa.Create(CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, oa.Change(DocID(docID), "inc", incCounter))

	readyCh := make(chan struct{}, 1)
	ob.OnEvent(func(e Event) {
		if ev, ok := e.(DocumentReadyEvent); ok && ev.DocID == DocID(docID) {
			select {
			case readyCh <- struct{}{}:
			default:
			}
		}
	})

	require.NoError(t, ob.Open(DocID(docID)))

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("b never observed document:ready for the replicated document")
	}

	require.Equal(t, int64(1), counterValue(t, DocID(docID), ob))
}

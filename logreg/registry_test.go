package logreg

import (
	"testing"

	"github.com/stretchr/testify/require"

	hmlog "github.com/mmcgrana/hypermerge/log"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestCreateOrOpenNilActorCreatesWritableLog(t *testing.T) {
	r := openTestRegistry(t)

	l, err := r.CreateOrOpen(nil)
	require.NoError(t, err)
	require.True(t, l.Writable())
	require.Equal(t, uint64(0), l.Length())

	keys := r.PrivateKeys()
	require.Len(t, keys, 1)
	_, ok := keys[l.ActorID()]
	require.True(t, ok)
}

func TestCreateOrOpenExistingActorReturnsSameHandle(t *testing.T) {
	r := openTestRegistry(t)

	l1, err := r.CreateOrOpen(nil)
	require.NoError(t, err)

	actor := l1.ActorID()
	l2, err := r.CreateOrOpen(&actor)
	require.NoError(t, err)
	require.Same(t, l1, l2)
}

func TestCreateOrOpenUnknownActorOpensReadOnly(t *testing.T) {
	r := openTestRegistry(t)

	var actor [32]byte
	actor[0] = 42
	l, err := r.CreateOrOpen(&actor)
	require.NoError(t, err)
	require.False(t, l.Writable())
	require.Equal(t, actor, l.ActorID())
}

func TestOnAddAndOnRemoveCallbacksFire(t *testing.T) {
	r := openTestRegistry(t)

	var addedCount, removedCount int
	r.OnAdd(func(l *hmlog.Log) { addedCount++ })
	r.OnRemove(func(l *hmlog.Log) { removedCount++ })

	l, err := r.CreateOrOpen(nil)
	require.NoError(t, err)
	require.Equal(t, 1, addedCount)

	docID := l.ActorID()
	r.Remove(docID)
	require.Equal(t, 1, removedCount)

	_, ok := r.Get(docID)
	require.False(t, ok)
}

func TestRemoveUnknownActorIsNoop(t *testing.T) {
	r := openTestRegistry(t)
	var actor [32]byte
	r.Remove(actor) // must not panic or invoke callbacks
}

func TestAllReturnsEveryRegisteredLog(t *testing.T) {
	r := openTestRegistry(t)

	l1, err := r.CreateOrOpen(nil)
	require.NoError(t, err)
	l2, err := r.CreateOrOpen(nil)
	require.NoError(t, err)

	all := r.All()
	require.Len(t, all, 2)
	actors := map[[32]byte]bool{l1.ActorID(): true, l2.ActorID(): true}
	for _, l := range all {
		require.True(t, actors[l.ActorID()])
	}
}

func TestScanRestoresLogsOnReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	require.NoError(t, err)

	l, err := r.CreateOrOpen(nil)
	require.NoError(t, err)
	_, err = l.Append([]byte("block-0"))
	require.NoError(t, err)
	actor := l.ActorID()
	require.NoError(t, r.Close())

	r2, err := Open(dir, nil)
	require.NoError(t, err)
	defer r2.Close()

	restored, ok := r2.Get(actor)
	require.True(t, ok)
	require.Equal(t, uint64(1), restored.Length())
	require.False(t, restored.Writable(), "without a keyring, a restored log is read-only")
}

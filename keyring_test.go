package hypermerge

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadKeyringMissingFileIsEmpty(t *testing.T) {
	kr, err := loadKeyring(filepath.Join(t.TempDir(), "keyring.json"))
	require.NoError(t, err)
	require.Empty(t, kr)
}

func TestSaveThenLoadKeyringRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")

	actorA, privA, err := NewActorKeyPair()
	require.NoError(t, err)
	actorB, privB, err := NewActorKeyPair()
	require.NoError(t, err)

	kr := map[[32]byte]ed25519.PrivateKey{
		[32]byte(actorA): privA,
		[32]byte(actorB): privB,
	}
	require.NoError(t, saveKeyring(path, kr))

	loaded, err := loadKeyring(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, privA, loaded[[32]byte(actorA)])
	require.Equal(t, privB, loaded[[32]byte(actorB)])
}

func TestSaveKeyringIsPrivateFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	actor, priv, err := NewActorKeyPair()
	require.NoError(t, err)

	require.NoError(t, saveKeyring(path, map[[32]byte]ed25519.PrivateKey{[32]byte(actor): priv}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadKeyringRejectsMalformedActorID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not-hex":"aabb"}`), 0o600))

	_, err := loadKeyring(path)
	require.Error(t, err)
}

package hypermerge

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// loadKeyring reads the JSON actorIdHex -> privateKeyHex map persisted at
// path, returning an empty keyring if the file does not exist yet (a fresh
// base directory). Keys are the only state not reconstructable from the
// badger archive, since a public key alone cannot prove log ownership.
func loadKeyring(path string) (map[[32]byte]ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[[32]byte]ed25519.PrivateKey{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hypermerge: failed to read keyring: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("hypermerge: failed to parse keyring: %w", err)
	}
	out := make(map[[32]byte]ed25519.PrivateKey, len(raw))
	for actorHex, privHex := range raw {
		actor, err := ActorIDFromHex(actorHex)
		if err != nil {
			return nil, fmt.Errorf("hypermerge: malformed keyring actor id %q: %w", actorHex, err)
		}
		priv, err := hex.DecodeString(privHex)
		if err != nil {
			return nil, fmt.Errorf("hypermerge: malformed keyring private key for %q: %w", actorHex, err)
		}
		out[[32]byte(actor)] = ed25519.PrivateKey(priv)
	}
	return out, nil
}

// saveKeyring overwrites path with the current keyring. Called right after
// every operation that mints a new writable log, so a crash never loses a
// key that was already acknowledged to the caller.
func saveKeyring(path string, keyring map[[32]byte]ed25519.PrivateKey) error {
	raw := make(map[string]string, len(keyring))
	for actor, priv := range keyring {
		raw[ActorID(actor).String()] = hex.EncodeToString(priv)
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("hypermerge: failed to encode keyring: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("hypermerge: failed to write keyring: %w", err)
	}
	return nil
}

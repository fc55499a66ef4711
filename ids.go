package hypermerge

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// ActorID is the 32-byte public key identifying one writer's log.
type ActorID [32]byte

// DocID names a document; it is always the ActorID of that document's root log.
type DocID = ActorID

// GroupID names a set of related documents (an original and its forks).
type GroupID = ActorID

// NewActorKeyPair generates a fresh Ed25519 keypair and returns the public
// half as an ActorID alongside the private key needed to author a log.
func NewActorKeyPair() (ActorID, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ActorID{}, nil, fmt.Errorf("failed to generate actor keypair: %w", err)
	}
	var a ActorID
	copy(a[:], pub)
	return a, priv, nil
}

// ActorIDFromHex parses a 64-char lowercase hex string into an ActorID.
func ActorIDFromHex(s string) (ActorID, error) {
	var a ActorID
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("failed to decode actor id: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("invalid actor id length: got %d want %d", len(b), len(a))
	}
	copy(a[:], b)
	return a, nil
}

// String renders the actor id as 64-char lowercase hex.
func (a ActorID) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns a defensive copy of the raw key bytes.
func (a ActorID) Bytes() []byte {
	out := make([]byte, len(a))
	copy(out, a[:])
	return out
}

// IsZero reports whether a is the zero-value ActorID (never a real actor).
func (a ActorID) IsZero() bool {
	return a == ActorID{}
}

package crdt

import "errors"

// ErrMalformedEnvelope is returned by ApplyEncoded when a log block does not
// parse as a valid Envelope (spec.md §7 CorruptMetadata's change-block sibling).
var ErrMalformedEnvelope = errors.New("crdt: malformed change envelope")

package hypermerge

import "github.com/mmcgrana/hypermerge/crdt"

// Event is the common interface implemented by every lifecycle event listed
// in spec.md §4.7. Components return events-to-emit from their operations;
// the Orchestrator is the only thing that actually dispatches them, per the
// "event emission as cross-cutting concern" Design Note.
type Event interface {
	eventMarker()
}

type baseEvent struct{}

func (baseEvent) eventMarker() {}

// ReadyEvent fires once the registry has enumerated all on-disk logs.
type ReadyEvent struct{ baseEvent }

// FeedReadyEvent fires when one log finishes its initial handshake.
type FeedReadyEvent struct {
	baseEvent
	Actor ActorID
}

// DocumentReadyEvent fires the first time a document has no missing causal
// dependencies.
type DocumentReadyEvent struct {
	baseEvent
	DocID DocID
	Doc   *crdt.Doc
}

// DocumentUpdatedEvent fires whenever an already-ready document materializes
// new state.
type DocumentUpdatedEvent struct {
	baseEvent
	DocID DocID
	Doc   *crdt.Doc
}

// PeerJoinedEvent fires when a new peer attaches to a log.
type PeerJoinedEvent struct {
	baseEvent
	Actor ActorID
	Peer  string // connection id
}

// PeerLeftEvent fires when a peer detaches from a log.
type PeerLeftEvent struct {
	baseEvent
	Actor ActorID
	Peer  string
}

// PeerMessageEvent fires for extension messages of a type this process does
// not recognize.
type PeerMessageEvent struct {
	baseEvent
	Actor   ActorID
	Peer    string
	Message map[string]interface{}
}

// PeerExtensionEvent fires for named extension channels this process does
// not recognize.
type PeerExtensionEvent struct {
	baseEvent
	Actor ActorID
	Peer  string
	Name  string
	Data  []byte
}

// Listener receives lifecycle events dispatched by the Orchestrator.
type Listener func(Event)

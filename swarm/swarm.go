// Package swarm binds the replication engine to the swarm capability set
// from spec.md §6.1: join/leave a discovery key, and a per-peer duplex
// stream offering a named-extension facility plus bulk block exchange
// (spec.md's "replicate(opts) -> duplex stream").
//
// The real hypercore/hyperswarm stack keeps bulk block replication and the
// named-extension channel as two different wire concerns; since this
// implementation owns both ends of the wire format, Peer multiplexes both
// over one JSON-framed connection (see DESIGN.md).
package swarm

import (
	"encoding/json"
	"sync"
)

// Frame is the envelope every message on a Peer connection uses.
type Frame struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

const (
	KindExtension    = "extension"
	KindBlockRequest = "block_request"
	KindBlockReply   = "block_reply"
)

// ExtensionBody is a Frame{Kind: "extension"} payload: one named-extension
// message, e.g. the "hypermerge" channel's FEEDS_SHARED messages.
type ExtensionBody struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// BlockRequestBody asks the peer for one block of one actor's log.
type BlockRequestBody struct {
	RequestID uint64   `json:"requestId"`
	Actor     [32]byte `json:"actor"`
	Index     uint64   `json:"index"`
}

// BlockReplyBody answers a BlockRequestBody.
type BlockReplyBody struct {
	RequestID uint64   `json:"requestId"`
	Actor     [32]byte `json:"actor"`
	Index     uint64   `json:"index"`
	Found     bool     `json:"found"`
	Data      []byte   `json:"data,omitempty"`
}

// Peer is one duplex connection to a remote process.
//
// The transport implementations (Local, WSSwarm) start dispatching incoming
// frames against a Peer as soon as it's constructed, concurrently with
// whatever setup their OnStream callback does -- for orchestrator.go that
// setup is itself deferred onto the event loop via enqueue, so a block
// request or extension frame can legitimately arrive before ServeBlocks/
// OnExtension/OnClose have run. mu guards every field Dispatch reads against
// every field a setup call writes, so that race is a handler-not-registered-
// yet no-op (block requests answered not-found, extension/close callbacks
// silently missed) rather than a data race.
type Peer struct {
	ID string

	sendFrame func(Frame) error
	closeFn   func() error

	mu            sync.Mutex
	extHandlers   []func(name string, data []byte)
	closeHandlers []func()
	blockHandler  func(actor [32]byte, index uint64) (data []byte, found bool)
	pendingReqs   map[uint64]chan BlockReplyBody
	nextRequestID uint64
}

// NewPeer constructs a Peer around a transport-specific frame sender. It is
// exported for swarm implementations (Local, WSSwarm) to build on.
func NewPeer(id string, sendFrame func(Frame) error, closeFn func() error) *Peer {
	return &Peer{
		ID:          id,
		sendFrame:   sendFrame,
		closeFn:     closeFn,
		pendingReqs: map[uint64]chan BlockReplyBody{},
	}
}

// SendExtension writes an extension message on the named channel.
func (p *Peer) SendExtension(name string, data []byte) error {
	body, err := json.Marshal(ExtensionBody{Name: name, Data: data})
	if err != nil {
		return err
	}
	return p.sendFrame(Frame{Kind: KindExtension, Body: body})
}

// OnExtension registers a handler invoked for every extension message
// received on this peer, regardless of channel name (the caller filters).
func (p *Peer) OnExtension(fn func(name string, data []byte)) {
	p.mu.Lock()
	p.extHandlers = append(p.extHandlers, fn)
	p.mu.Unlock()
}

// OnClose registers a handler invoked once the transport's read loop ends
// (the connection dropped or was closed locally), used to fire peer:left.
func (p *Peer) OnClose(fn func()) {
	p.mu.Lock()
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

// NoteClosed runs every registered close handler; transport implementations
// call this exactly once after their read loop exits.
func (p *Peer) NoteClosed() {
	p.mu.Lock()
	handlers := append([]func(){}, p.closeHandlers...)
	p.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

// ServeBlocks registers the function used to answer incoming block
// requests from this peer (i.e. reads against our own local logs).
func (p *Peer) ServeBlocks(fn func(actor [32]byte, index uint64) (data []byte, found bool)) {
	p.mu.Lock()
	p.blockHandler = fn
	p.mu.Unlock()
}

// RequestBlock asks the peer for block index of actor's log and blocks
// until the reply frame arrives (dispatched to it by Dispatch).
func (p *Peer) RequestBlock(actor [32]byte, index uint64) ([]byte, bool, error) {
	p.mu.Lock()
	p.nextRequestID++
	id := p.nextRequestID
	ch := make(chan BlockReplyBody, 1)
	p.pendingReqs[id] = ch
	p.mu.Unlock()

	body, err := json.Marshal(BlockRequestBody{RequestID: id, Actor: actor, Index: index})
	if err != nil {
		p.mu.Lock()
		delete(p.pendingReqs, id)
		p.mu.Unlock()
		return nil, false, err
	}
	if err := p.sendFrame(Frame{Kind: KindBlockRequest, Body: body}); err != nil {
		p.mu.Lock()
		delete(p.pendingReqs, id)
		p.mu.Unlock()
		return nil, false, err
	}
	reply := <-ch
	return reply.Data, reply.Found, nil
}

// Close tears down the underlying transport.
func (p *Peer) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}

// Dispatch routes one incoming Frame to the right handler. Transport
// implementations call this from their read loop.
func (p *Peer) Dispatch(f Frame) error {
	switch f.Kind {
	case KindExtension:
		var body ExtensionBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return err
		}
		p.mu.Lock()
		handlers := append([]func(string, []byte){}, p.extHandlers...)
		p.mu.Unlock()
		for _, h := range handlers {
			h(body.Name, body.Data)
		}
	case KindBlockRequest:
		var body BlockRequestBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return err
		}
		p.mu.Lock()
		handler := p.blockHandler
		p.mu.Unlock()
		var data []byte
		var found bool
		if handler != nil {
			data, found = handler(body.Actor, body.Index)
		}
		replyBody, err := json.Marshal(BlockReplyBody{
			RequestID: body.RequestID, Actor: body.Actor, Index: body.Index, Found: found, Data: data,
		})
		if err != nil {
			return err
		}
		return p.sendFrame(Frame{Kind: KindBlockReply, Body: replyBody})
	case KindBlockReply:
		var body BlockReplyBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return err
		}
		p.mu.Lock()
		ch, ok := p.pendingReqs[body.RequestID]
		if ok {
			delete(p.pendingReqs, body.RequestID)
		}
		p.mu.Unlock()
		if ok {
			ch <- body
		}
	}
	return nil
}

// Swarm is the swarm capability set from spec.md §6.1.
type Swarm interface {
	Join(discoveryKey [32]byte) error
	Leave(discoveryKey [32]byte) error
	// OnStream registers the callback invoked for every new Peer connection
	// rendezvoused under any joined discovery key.
	OnStream(fn func(discoveryKey [32]byte, peer *Peer))
}

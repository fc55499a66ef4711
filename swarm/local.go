package swarm

import "sync"

// Broker pairs Local swarms that join the same discovery key, standing in
// for real peer discovery in tests (spec.md §8's seed scenarios) and the
// property tests.
type Broker struct {
	mu      sync.Mutex
	waiting map[[32]byte][]*Local
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{waiting: map[[32]byte][]*Local{}}
}

// Local is an in-process Swarm implementation: no network I/O, just Go
// channels, wired together by a shared Broker.
type Local struct {
	broker *Broker
	name   string

	mu       sync.Mutex
	onStream func(discoveryKey [32]byte, peer *Peer)
	joined   map[[32]byte]bool
}

// NewLocal constructs a Local swarm participant named name (used only for
// peer-id labeling), rendezvousing through broker.
func NewLocal(name string, broker *Broker) *Local {
	return &Local{broker: broker, name: name, joined: map[[32]byte]bool{}}
}

// OnStream implements Swarm.
func (l *Local) OnStream(fn func(discoveryKey [32]byte, peer *Peer)) {
	l.mu.Lock()
	l.onStream = fn
	l.mu.Unlock()
}

// Join implements Swarm: pairs with every other Local already waiting on
// this discovery key.
func (l *Local) Join(discoveryKey [32]byte) error {
	l.mu.Lock()
	l.joined[discoveryKey] = true
	l.mu.Unlock()
	l.broker.join(discoveryKey, l)
	return nil
}

// Leave implements Swarm.
func (l *Local) Leave(discoveryKey [32]byte) error {
	l.mu.Lock()
	delete(l.joined, discoveryKey)
	l.mu.Unlock()
	l.broker.leave(discoveryKey, l)
	return nil
}

func (b *Broker) join(key [32]byte, newcomer *Local) {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing := append([]*Local(nil), b.waiting[key]...)
	b.waiting[key] = append(b.waiting[key], newcomer)
	for _, other := range existing {
		connectLocalPair(key, newcomer, other)
	}
}

func (b *Broker) leave(key [32]byte, gone *Local) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := make([]*Local, 0, len(b.waiting[key]))
	for _, o := range b.waiting[key] {
		if o != gone {
			rest = append(rest, o)
		}
	}
	b.waiting[key] = rest
}

func connectLocalPair(key [32]byte, x, y *Local) {
	xIn := make(chan Frame, 64)
	yIn := make(chan Frame, 64)
	xPeer := NewPeer(y.name, func(f Frame) error { yIn <- f; return nil }, func() error { close(yIn); return nil })
	yPeer := NewPeer(x.name, func(f Frame) error { xIn <- f; return nil }, func() error { close(xIn); return nil })
	go pumpFrames(xIn, xPeer)
	go pumpFrames(yIn, yPeer)

	x.mu.Lock()
	xCb := x.onStream
	x.mu.Unlock()
	y.mu.Lock()
	yCb := y.onStream
	y.mu.Unlock()

	if xCb != nil {
		xCb(key, xPeer)
	}
	if yCb != nil {
		yCb(key, yPeer)
	}
}

func pumpFrames(in chan Frame, p *Peer) {
	for f := range in {
		_ = p.Dispatch(f)
	}
	p.NoteClosed()
}

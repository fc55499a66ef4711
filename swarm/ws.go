package swarm

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WSSwarm is a Swarm implementation backed by gorilla/websocket, used by
// cmd/hmrelay for real network replication. The discovery key is already
// carried by the HTTP route (spec.md's "relay" design note), so Join/Leave
// are no-ops here -- joining happens implicitly by dialing or accepting a
// connection for that route.
type WSSwarm struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	onStream func(discoveryKey [32]byte, peer *Peer)
}

// NewWSSwarm constructs a WSSwarm with permissive origin checking, matching
// the teacher's relay demo (a single trusted deployment, not a public CORS
// surface).
func NewWSSwarm() *WSSwarm {
	return &WSSwarm{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnStream implements Swarm.
func (w *WSSwarm) OnStream(fn func(discoveryKey [32]byte, peer *Peer)) {
	w.mu.Lock()
	w.onStream = fn
	w.mu.Unlock()
}

// Join implements Swarm; a no-op since HTTP routing already names the
// document for both HandleUpgrade and Dial.
func (w *WSSwarm) Join(discoveryKey [32]byte) error { return nil }

// Leave implements Swarm.
func (w *WSSwarm) Leave(discoveryKey [32]byte) error { return nil }

// HandleUpgrade accepts an incoming HTTP request as a new Peer connection
// for discoveryKey, blocking until the connection closes. Callers run this
// from an http.Handler, typically in its own goroutine.
func (w *WSSwarm) HandleUpgrade(rw http.ResponseWriter, r *http.Request, discoveryKey [32]byte) error {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return errors.Wrap(err, "swarm: websocket upgrade failed")
	}
	w.serve(discoveryKey, conn)
	return nil
}

// Dial opens an outbound connection to url as a new Peer for discoveryKey,
// blocking until the connection closes. Callers typically run this in its
// own goroutine.
func (w *WSSwarm) Dial(url string, discoveryKey [32]byte) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return errors.Wrapf(err, "swarm: dial %s failed", url)
	}
	w.serve(discoveryKey, conn)
	return nil
}

func (w *WSSwarm) serve(discoveryKey [32]byte, conn *websocket.Conn) {
	var writeMu sync.Mutex
	peer := NewPeer(conn.RemoteAddr().String(), func(f Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(f)
	}, conn.Close)

	w.mu.Lock()
	cb := w.onStream
	w.mu.Unlock()
	if cb != nil {
		cb(discoveryKey, peer)
	}

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			peer.NoteClosed()
			return
		}
		_ = peer.Dispatch(f)
	}
}

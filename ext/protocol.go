// Package ext implements the Peer Extension Protocol from spec.md §6.1: the
// named "hypermerge" channel carrying FEEDS_SHARED announcements (and any
// other application-level peer messages) over a swarm.Peer's extension
// facility.
package ext

import (
	"encoding/json"

	"github.com/mmcgrana/hypermerge/internal/wire"
	"github.com/mmcgrana/hypermerge/swarm"
)

// ChannelName is the extension name every hypermerge message travels under.
const ChannelName = "hypermerge"

// Handlers receives decoded hypermerge-channel messages for one peer.
type Handlers struct {
	// OnFeedsShared fires for a FEEDS_SHARED message, with the announced
	// actor ids (hex-encoded).
	OnFeedsShared func(actorKeys []string)
	// OnMessage fires for any other recognized message on the hypermerge
	// channel, decoded as a generic object.
	OnMessage func(raw map[string]interface{})
	// OnExtension fires for extension messages on channels other than
	// ChannelName, so a host application can layer its own protocols over
	// the same Peer.
	OnExtension func(name string, data []byte)
}

// AnnounceFeedsShared sends a FEEDS_SHARED message naming every log this
// process is willing to share for a document, per spec.md §4.3's "on peer
// connect" trigger.
func AnnounceFeedsShared(peer *swarm.Peer, actorKeys []string) error {
	data, err := json.Marshal(wire.FeedsSharedMessage{Type: wire.TypeFeedsShared, Keys: actorKeys})
	if err != nil {
		return err
	}
	return peer.SendExtension(ChannelName, data)
}

// Attach wires peer's extension channel to h, filtering to ChannelName and
// decoding FEEDS_SHARED specially.
func Attach(peer *swarm.Peer, h Handlers) {
	peer.OnExtension(func(name string, data []byte) {
		if name != ChannelName {
			if h.OnExtension != nil {
				h.OnExtension(name, data)
			}
			return
		}
		msgType, feedsShared, raw, err := wire.DecodeExtensionMessage(data)
		if err != nil {
			return // malformed peer message -- ignore rather than disconnect
		}
		switch msgType {
		case wire.TypeFeedsShared:
			if h.OnFeedsShared != nil && feedsShared != nil {
				h.OnFeedsShared(feedsShared.Keys)
			}
		default:
			if h.OnMessage != nil {
				h.OnMessage(raw)
			}
		}
	})
}

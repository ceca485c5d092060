// Package discovery answers RakNet unconnected pings with the proxy's current
// advertisement. It is deliberately tiny: the underlying transport
// (github.com/sandertv/go-raknet) already exposes a writeable pong buffer on
// its Listener, so the responder's job is just recomputing that buffer
// whenever the advertisement changes and, for wire-level testability, the
// pure handle_ping operation the spec names directly.
package discovery

import (
	"mcbeproxy/internal/advert"
	"mcbeproxy/internal/wire"
)

// HandlePing implements the discovery operation: given a raw inbound
// datagram, decide whether it is a ping worth answering and, if so, build the
// matching pong frame. The second return value is false for anything that
// should be delegated upward to the RakNet transport's own connection
// handling (too short, or not a ping id).
func HandlePing(datagram []byte, ad *advert.ServerAdvertisement) (pong []byte, ok bool) {
	timestamp, isPing := wire.ParsePingTimestamp(datagram)
	if !isPing {
		return nil, false
	}
	return wire.BuildPong(timestamp, ad.ServerID, ad.String()), true
}

// PongSetter is the writeable advertisement slot a RakNet listener exposes
// (*raknet.Listener.PongData in github.com/sandertv/go-raknet).
type PongSetter interface {
	PongData(data []byte)
}

// Responder keeps a listener's pong buffer in sync with an advertisement. It
// holds no goroutine of its own: callers invoke Refresh whenever the
// advertisement's content changes (player count, remote version, MOTD edit).
type Responder struct {
	listener PongSetter
	ad       *advert.ServerAdvertisement
}

// NewResponder wires a listener to an advertisement and performs the initial
// pong publish.
func NewResponder(listener PongSetter, ad *advert.ServerAdvertisement) *Responder {
	r := &Responder{listener: listener, ad: ad}
	r.Refresh()
	return r
}

// Refresh re-renders the advertisement's MOTD string and republishes it as
// the listener's pong data. Only the MOTD string is passed; the pong frame
// around it (packet id, echoed timestamp, server GUID, magic) is built by
// the listener itself when it replies.
func (r *Responder) Refresh() {
	r.listener.PongData([]byte(r.ad.String()))
}

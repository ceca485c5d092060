// Package advert holds the ServerAdvertisement the discovery responder and the
// LAN advertiser both serialize into pong frames.
package advert

import (
	"sync/atomic"

	"mcbeproxy/internal/wire"
)

// ServerAdvertisement is the data shown to clients in discovery, per the data
// model: edition tag, MOTD lines, protocol/version, player counts, a server id
// stable for the process lifetime, game type, and the two listening ports.
type ServerAdvertisement struct {
	Name       string
	SubName    string
	Protocol   int
	Version    string
	MaxPlayers int
	GameType   string
	ServerID   uint64
	Port4      uint16
	Port6      uint16

	players atomic.Int64
}

// NewServerAdvertisement builds an advertisement with a fixed process-lifetime
// server id, matching the invariant that the id never changes after creation.
func NewServerAdvertisement(serverID uint64, name, subName string, protocol int, version string, maxPlayers int, port4, port6 uint16) *ServerAdvertisement {
	return &ServerAdvertisement{
		Name:       name,
		SubName:    subName,
		Protocol:   protocol,
		Version:    version,
		MaxPlayers: maxPlayers,
		GameType:   "Survival",
		ServerID:   serverID,
		Port4:      port4,
		Port6:      port6,
	}
}

// SetPlayerCount updates the advertised online-player count. Safe for
// concurrent use; callers recompute the pong buffer after calling this.
func (a *ServerAdvertisement) SetPlayerCount(n int) {
	a.players.Store(int64(n))
}

// PlayerCount returns the most recently set online-player count.
func (a *ServerAdvertisement) PlayerCount() int {
	return int(a.players.Load())
}

// MOTD renders the current advertisement as the wire.MOTD value.
func (a *ServerAdvertisement) MOTD() wire.MOTD {
	return wire.MOTD{
		EditionTag: "MCPE",
		Name:       a.Name,
		Protocol:   a.Protocol,
		Version:    a.Version,
		Players:    a.PlayerCount(),
		MaxPlayers: a.MaxPlayers,
		ServerID:   a.ServerID,
		SubName:    a.SubName,
		GameType:   a.GameType,
		GameTypeN:  1,
		Port4:      a.Port4,
		Port6:      a.Port6,
	}
}

// String renders the semicolon-delimited MOTD string, bit-exact per §6.
func (a *ServerAdvertisement) String() string {
	return a.MOTD().String()
}

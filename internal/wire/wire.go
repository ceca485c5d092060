// Package wire implements the RakNet offline-message primitives the proxy needs
// before a reliable connection exists: the discovery ping/pong frame layout and
// the MOTD string format. Pure functions, no state.
package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// RakNet offline-message packet identifiers.
const (
	IDUnconnectedPing         byte = 0x01
	IDOpenConnectionPing      byte = 0x02
	IDUnconnectedPong         byte = 0x1c
	DefaultBroadcastPort           = 19132
)

// OfflineMessageID is the 16-byte magic every offline RakNet packet carries verbatim.
var OfflineMessageID = [16]byte{
	0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78,
}

// BuildPong serializes an UNCONNECTED_PONG frame: packet id, echoed timestamp,
// server id, the offline magic, and the length-prefixed MOTD.
//
//	[1]  0x1c
//	[8]  timestamp (big-endian, echoed from the ping)
//	[8]  serverID (big-endian)
//	[16] OfflineMessageID
//	[2]  len(motd) (big-endian)
//	[N]  motd
func BuildPong(timestamp, serverID uint64, motd string) []byte {
	buf := make([]byte, 1+8+8+16+2+len(motd))
	buf[0] = IDUnconnectedPong
	binary.BigEndian.PutUint64(buf[1:9], timestamp)
	binary.BigEndian.PutUint64(buf[9:17], serverID)
	copy(buf[17:33], OfflineMessageID[:])
	binary.BigEndian.PutUint16(buf[33:35], uint16(len(motd)))
	copy(buf[35:], motd)
	return buf
}

// ParsePong parses the frame BuildPong produces, returning its three dynamic fields.
func ParsePong(data []byte) (timestamp, serverID uint64, motd string, err error) {
	if len(data) < 35 {
		return 0, 0, "", fmt.Errorf("wire: pong frame too short: %d bytes", len(data))
	}
	if data[0] != IDUnconnectedPong {
		return 0, 0, "", fmt.Errorf("wire: not a pong frame: id=0x%02x", data[0])
	}
	timestamp = binary.BigEndian.Uint64(data[1:9])
	serverID = binary.BigEndian.Uint64(data[9:17])
	motdLen := int(binary.BigEndian.Uint16(data[33:35]))
	if len(data) < 35+motdLen {
		return 0, 0, "", fmt.Errorf("wire: pong frame truncated motd: want %d, have %d", motdLen, len(data)-35)
	}
	motd = string(data[35 : 35+motdLen])
	return timestamp, serverID, motd, nil
}

// BuildPing serializes an UNCONNECTED_PING frame.
//
//	[1]  0x01
//	[8]  timestamp (big-endian)
//	[16] OfflineMessageID
//	[8]  clientGUID (big-endian)
func BuildPing(timestamp, clientGUID uint64) []byte {
	buf := make([]byte, 1+8+16+8)
	buf[0] = IDUnconnectedPing
	binary.BigEndian.PutUint64(buf[1:9], timestamp)
	copy(buf[9:25], OfflineMessageID[:])
	binary.BigEndian.PutUint64(buf[25:33], clientGUID)
	return buf
}

// ParsePingTimestamp extracts the timestamp from bytes 1..9 of an inbound ping
// datagram. Returns false if the datagram is too short or not a ping id.
func ParsePingTimestamp(data []byte) (timestamp uint64, ok bool) {
	if len(data) < 9 {
		return 0, false
	}
	if data[0] != IDUnconnectedPing && data[0] != IDOpenConnectionPing {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[1:9]), true
}

// MOTD is the advertisement shown to clients during discovery. Field order and
// semicolon-delimiting match the MCPE pong format bit-exact.
type MOTD struct {
	EditionTag string // "MCPE"
	Name       string
	Protocol   int
	Version    string
	Players    int
	MaxPlayers int
	ServerID   uint64
	SubName    string
	GameType   string // "Survival" or "Creative"
	GameTypeN  int    // always 1 in this dialect
	Port4      uint16
	Port6      uint16
}

// String renders the semicolon-delimited MOTD string described in §6.
func (m MOTD) String() string {
	edition := m.EditionTag
	if edition == "" {
		edition = "MCPE"
	}
	fields := []string{
		edition,
		m.Name,
		strconv.Itoa(m.Protocol),
		m.Version,
		strconv.Itoa(m.Players),
		strconv.Itoa(m.MaxPlayers),
		strconv.FormatUint(m.ServerID, 10),
		m.SubName,
		m.GameType,
		strconv.Itoa(m.GameTypeN),
		strconv.Itoa(int(m.Port4)),
		strconv.Itoa(int(m.Port6)),
	}
	return strings.Join(fields, ";")
}

// ParseMOTD parses the semicolon-delimited string back into its fields. Excess
// trailing fields are tolerated; a trailing semicolon is tolerated.
func ParseMOTD(s string) (MOTD, error) {
	s = strings.TrimSuffix(s, ";")
	parts := strings.Split(s, ";")
	if len(parts) < 11 {
		return MOTD{}, fmt.Errorf("wire: motd has %d fields, want at least 11", len(parts))
	}
	protocol, err := strconv.Atoi(parts[2])
	if err != nil {
		return MOTD{}, fmt.Errorf("wire: motd protocol field: %w", err)
	}
	players, err := strconv.Atoi(parts[4])
	if err != nil {
		return MOTD{}, fmt.Errorf("wire: motd players field: %w", err)
	}
	maxPlayers, err := strconv.Atoi(parts[5])
	if err != nil {
		return MOTD{}, fmt.Errorf("wire: motd max players field: %w", err)
	}
	serverID, err := strconv.ParseUint(parts[6], 10, 64)
	if err != nil {
		return MOTD{}, fmt.Errorf("wire: motd server id field: %w", err)
	}
	gameTypeN, err := strconv.Atoi(parts[9])
	if err != nil {
		return MOTD{}, fmt.Errorf("wire: motd game type number field: %w", err)
	}
	port4, err := strconv.ParseUint(parts[10], 10, 16)
	if err != nil {
		return MOTD{}, fmt.Errorf("wire: motd ipv4 port field: %w", err)
	}
	var port6 uint64
	if len(parts) > 11 {
		port6, err = strconv.ParseUint(parts[11], 10, 16)
		if err != nil {
			return MOTD{}, fmt.Errorf("wire: motd ipv6 port field: %w", err)
		}
	}
	return MOTD{
		EditionTag: parts[0],
		Name:       parts[1],
		Protocol:   protocol,
		Version:    parts[3],
		Players:    players,
		MaxPlayers: maxPlayers,
		ServerID:   serverID,
		SubName:    parts[7],
		GameType:   parts[8],
		GameTypeN:  gameTypeN,
		Port4:      uint16(port4),
		Port6:      uint16(port6),
	}, nil
}

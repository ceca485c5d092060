package proxy

// Hand-rolled game-packet ids, mirroring the low-level byte inspection the
// corpus already performs instead of decoding full packet structs for
// packets the state machine only needs to recognize by id.
const (
	packetIDLogin                   = 0x01
	packetIDPlayStatus              = 0x02
	packetIDServerToClientHandshake = 0x03
	packetIDClientToServerHandshake = 0x04
	packetIDDisconnect              = 0x05
)

// currentBedrockProtocol and bedrockVersionString seed the advertisement
// shown in discovery responses before any client has connected. Once a
// client connects its declared protocol is only used for logging: the
// RakNet transport this proxy is built on exposes no supported-protocol-list
// parameter to mirror at the listener/dialer level.
const (
	currentBedrockProtocol = 729
	bedrockVersionString   = "1.21.50"
)

// Package codec builds and reads the handful of Bedrock game packets the
// session state machine intercepts. Encoding goes through gophertunnel's own
// protocol.Writer/packet.Encoder exactly as the upstream codebase uses them;
// decoding the couple of fixed-layout fields the state machine actually
// inspects (a client's declared protocol version, a play-status code) is done
// by hand, matching the low-level byte parsing the corpus already performs
// for its own batch/compression inspection.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
)

// PacketHeader is the leading byte of every Bedrock game-packet datagram.
const PacketHeader = 0xfe

// Compression algorithm ids carried in the byte following PacketHeader.
const (
	compressionIDFlate  = 0x00
	compressionIDSnappy = 0x01
	compressionIDNone   = 0xff
)

// EncodeUncompressed builds a single-packet frame with no compression layer
// at all -- used only for the proxy's synthesized NetworkSettings reply,
// sent before the client has been told which compression to use. This frame
// shape (header byte directly followed by the length-prefixed body, with no
// compression-id byte) is distinct from the ordinary game-packet frame
// Encode produces; DecodeUncompressedBatch is its matching reader.
func EncodeUncompressed(pk packet.Packet) ([]byte, error) {
	body, err := marshalBody(pk)
	if err != nil {
		return nil, err
	}

	var batch bytes.Buffer
	protocol.WriteVaruint32(&batch, uint32(body.Len()))
	batch.Write(body.Bytes())

	var out bytes.Buffer
	out.WriteByte(PacketHeader)
	out.Write(batch.Bytes())
	return out.Bytes(), nil
}

// DecodeUncompressedBatch reads the frame shape EncodeUncompressed produces:
// header byte plus one or more length-prefixed sub-packets with no
// compression layer. Used for the single RequestNetworkSettings frame a
// client sends before any compression has been negotiated.
func DecodeUncompressedBatch(data []byte) ([][]byte, error) {
	if len(data) < 1 || data[0] != PacketHeader {
		return nil, fmt.Errorf("codec: not a game packet frame")
	}
	var packets [][]byte
	buf := bytes.NewBuffer(data[1:])
	for buf.Len() > 0 {
		var length uint32
		if err := readVaruint32(buf, &length); err != nil {
			return nil, fmt.Errorf("codec: read sub-packet length: %w", err)
		}
		if uint32(buf.Len()) < length {
			return nil, fmt.Errorf("codec: truncated sub-packet: want %d, have %d", length, buf.Len())
		}
		packets = append(packets, buf.Next(int(length)))
	}
	return packets, nil
}

// Encode builds a single-packet frame through gophertunnel's Encoder, which
// handles batching, the chosen compression, and the header byte.
func Encode(pk packet.Packet, compression packet.Compression) ([]byte, error) {
	body, err := marshalBody(pk)
	if err != nil {
		return nil, err
	}
	if compression == nil {
		compression = packet.FlateCompression
	}

	var out bytes.Buffer
	enc := packet.NewEncoder(&out)
	enc.EnableCompression(compression)
	if err := enc.Encode([][]byte{body.Bytes()}); err != nil {
		return nil, fmt.Errorf("codec: encode packet: %w", err)
	}
	return out.Bytes(), nil
}

func marshalBody(pk packet.Packet) (*bytes.Buffer, error) {
	var body bytes.Buffer
	w := protocol.NewWriter(&body, 0)
	protocol.WriteVaruint32(&body, pk.ID())
	pk.Marshal(w)
	return &body, nil
}

// CompressionOf inspects a raw game-packet frame's header and reports which
// compression algorithm produced it, so a forwarded packet can be re-sent
// with matching compression.
func CompressionOf(data []byte) packet.Compression {
	if len(data) < 2 || data[0] != PacketHeader {
		return packet.FlateCompression
	}
	switch data[1] {
	case compressionIDSnappy:
		return packet.SnappyCompression
	case compressionIDNone:
		return packet.NopCompression
	default:
		return packet.FlateCompression
	}
}

// DecodeBatch strips the header/compression envelope off a raw frame and
// returns the decompressed sequence of varuint32-length-prefixed sub-packets.
func DecodeBatch(data []byte) ([][]byte, error) {
	if len(data) < 2 || data[0] != PacketHeader {
		return nil, fmt.Errorf("codec: not a game packet frame")
	}
	compressed := data[2:]

	var plain []byte
	var err error
	switch data[1] {
	case compressionIDFlate:
		plain, err = decompressFlate(compressed)
	case compressionIDSnappy:
		plain, err = snappy.Decode(nil, compressed)
	case compressionIDNone:
		plain = compressed
	default:
		return nil, fmt.Errorf("codec: packet is encrypted, cannot decode without keys")
	}
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}

	var packets [][]byte
	buf := bytes.NewBuffer(plain)
	for buf.Len() > 0 {
		var length uint32
		if err := readVaruint32(buf, &length); err != nil {
			return nil, fmt.Errorf("codec: read sub-packet length: %w", err)
		}
		if uint32(buf.Len()) < length {
			return nil, fmt.Errorf("codec: truncated sub-packet: want %d, have %d", length, buf.Len())
		}
		packets = append(packets, buf.Next(int(length)))
	}
	return packets, nil
}

// readVaruint32 reads a variable-length uint32, mirroring protocol.WriteVaruint32.
func readVaruint32(r *bytes.Buffer, x *uint32) error {
	var v uint32
	for i := uint(0); i < 35; i += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		v |= uint32(b&0x7f) << i
		if b&0x80 == 0 {
			*x = v
			return nil
		}
	}
	return fmt.Errorf("varuint32 did not terminate after 5 bytes")
}

func decompressFlate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// PeekID reads the leading varuint32 packet id off a decoded sub-packet,
// returning the id and the remaining body bytes.
func PeekID(sub []byte) (id uint32, body []byte, err error) {
	buf := bytes.NewBuffer(sub)
	if err := readVaruint32(buf, &id); err != nil {
		return 0, nil, fmt.Errorf("codec: read packet id: %w", err)
	}
	return id, buf.Bytes(), nil
}

// ClientProtocolOf reads the fixed big-endian int32 protocol-version field
// that is the entire body of a RequestNetworkSettings packet. Bedrock
// special-cases this one field as big-endian because it must be parsed
// before any protocol-specific mapping tables are available.
func ClientProtocolOf(body []byte) (int32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("codec: request network settings body too short")
	}
	return int32(binary.BigEndian.Uint32(body[:4])), nil
}

// PlayStatusOf reads the fixed big-endian int32 status code that is the
// entire body of a PlayStatus packet.
func PlayStatusOf(body []byte) (int32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("codec: play status body too short")
	}
	return int32(binary.BigEndian.Uint32(body[:4])), nil
}

// IDOf is a small convenience wrapper so call sites never hardcode a numeric
// packet id literal; they compare against the real gophertunnel packet
// struct's own ID() method instead.
func IDOf(pk packet.Packet) uint32 { return pk.ID() }

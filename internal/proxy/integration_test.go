package proxy

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/sandertv/go-raknet"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcbeproxy/internal/codec"
	"mcbeproxy/internal/config"
	"mcbeproxy/internal/metrics"
	"mcbeproxy/internal/session"
)

const testReadTimeout = 5 * time.Second

// rawFlateFrame builds a compressed game-packet frame carrying an arbitrary
// packet id and opaque body, without depending on an unconfirmed
// gophertunnel struct layout -- this mirrors how the proxy itself treats
// ServerToClientHandshake and every other downstream-origin packet except
// PlayStatus: only the packet id is read, never the fields.
func rawFlateFrame(t *testing.T, id uint32, body []byte) []byte {
	t.Helper()
	var sub bytes.Buffer
	protocol.WriteVaruint32(&sub, id)
	sub.Write(body)

	var plain bytes.Buffer
	protocol.WriteVaruint32(&plain, uint32(sub.Len()))
	plain.Write(sub.Bytes())

	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(plain.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var frame bytes.Buffer
	frame.WriteByte(codec.PacketHeader)
	frame.WriteByte(0x00) // Flate
	frame.Write(compressed.Bytes())
	return frame.Bytes()
}

// startTestProxy builds and starts a Proxy bound to loopback on an
// OS-assigned port, with the LAN advertiser and metrics server disabled so
// the test only exercises the session state machine.
func startTestProxy(t *testing.T, ctx context.Context, remoteAddr string) *Proxy {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, config.EnsureFile(path))
	cfgMgr, err := config.NewManager(path)
	require.NoError(t, err)

	cfg := cfgMgr.Current()
	cfg.Proxy.BindAddress = "127.0.0.1"
	cfg.Proxy.Port = 0
	cfg.LAN.Enabled = false
	cfg.Metrics.Enabled = false
	host, portStr, err := net.SplitHostPort(remoteAddr)
	require.NoError(t, err)
	cfg.Remote.Address = host
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfg.Remote.Port = port

	p := New(cfgMgr, zap.NewNop(), metrics.NewRegistry())
	require.NoError(t, p.Start(ctx))
	return p
}

// acceptWithTimeout accepts one connection from a raknet.Listener or fails
// the test after timeout.
func acceptWithTimeout(t *testing.T, ln *raknet.Listener, timeout time.Duration) *raknet.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			ch <- c
		}
	}()
	select {
	case c := <-ch:
		rc, ok := c.(*raknet.Conn)
		require.True(t, ok)
		return rc
	case <-time.After(timeout):
		t.Fatal("timed out waiting for downstream accept")
		return nil
	}
}

// TestCleartextPassthrough covers scenario S1: a client completes the
// NetworkSettings/Login handshake against the proxy; the Login reaches the
// remote byte-for-byte, the server's handshake and a PlayStatus success code
// reach the client byte-for-byte, the proxy answers the server's handshake
// with its own ClientToServerHandshake, and the session reaches Playing.
func TestCleartextPassthrough(t *testing.T) {
	remote, err := raknet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startTestProxy(t, ctx, remote.Addr().String())
	defer p.Stop()

	client, err := raknet.DialTimeout(p.Addr().String(), testReadTimeout)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(requestNetworkSettingsFrame(729))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(testReadTimeout))
	settingsReply, err := client.ReadPacket()
	require.NoError(t, err)
	subs, err := codec.DecodeUncompressedBatch(settingsReply)
	require.NoError(t, err)
	require.NotEmpty(t, subs)
	id, _, err := codec.PeekID(subs[0])
	require.NoError(t, err)
	require.EqualValues(t, codec.IDOf(&packet.NetworkSettings{}), id)

	loginFrame, err := codec.Encode(&packet.Login{ClientProtocol: 729, ConnectionRequest: []byte("chain")}, packet.FlateCompression)
	require.NoError(t, err)
	_, err = client.Write(loginFrame)
	require.NoError(t, err)

	downstream := acceptWithTimeout(t, remote, testReadTimeout)
	defer downstream.Close()

	downstream.SetReadDeadline(time.Now().Add(testReadTimeout))
	forwardedLogin, err := downstream.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, loginFrame, forwardedLogin)

	handshakeFrame := rawFlateFrame(t, packetIDServerToClientHandshake, []byte("chain-data"))
	_, err = downstream.Write(handshakeFrame)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(testReadTimeout))
	forwardedHandshake, err := client.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, handshakeFrame, forwardedHandshake)

	downstream.SetReadDeadline(time.Now().Add(testReadTimeout))
	ackFrame, err := downstream.ReadPacket()
	require.NoError(t, err)
	ackID, ok := firstSubPacketID(ackFrame)
	require.True(t, ok)
	require.EqualValues(t, packetIDClientToServerHandshake, ackID)

	playStatusFrame, err := codec.Encode(&packet.PlayStatus{Status: packet.PlayStatusLoginSuccess}, packet.FlateCompression)
	require.NoError(t, err)
	_, err = downstream.Write(playStatusFrame)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(testReadTimeout))
	forwardedStatus, err := client.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, playStatusFrame, forwardedStatus)

	sessions := p.sessions.All()
	require.Len(t, sessions, 1)
	require.Equal(t, session.Playing, sessions[0].Phase())
}

// TestRemoteUnreachableDisconnectsClient covers scenario S3: when the
// configured remote never accepts the downstream connection, the client
// receives a Disconnect with a diagnostic reason and the session is torn
// down rather than left dangling.
func TestRemoteUnreachableDisconnectsClient(t *testing.T) {
	unreachable, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	addr := unreachable.LocalAddr().String()
	require.NoError(t, unreachable.Close())

	originalTimeout := downstreamDialTimeout
	downstreamDialTimeout = 500 * time.Millisecond
	defer func() { downstreamDialTimeout = originalTimeout }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startTestProxy(t, ctx, addr)
	defer p.Stop()

	client, err := raknet.DialTimeout(p.Addr().String(), testReadTimeout)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(requestNetworkSettingsFrame(729))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, err = client.ReadPacket()
	require.NoError(t, err)

	loginFrame, err := codec.Encode(&packet.Login{ClientProtocol: 729, ConnectionRequest: []byte("chain")}, packet.FlateCompression)
	require.NoError(t, err)
	_, err = client.Write(loginFrame)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(testReadTimeout))
	disconnectFrame, err := client.ReadPacket()
	require.NoError(t, err)
	id, ok := firstSubPacketID(disconnectFrame)
	require.True(t, ok)
	require.EqualValues(t, packetIDDisconnect, id)

	require.Eventually(t, func() bool {
		return p.sessions.Count() == 0
	}, testReadTimeout, 20*time.Millisecond, "session was never torn down")
}

// TestUpstreamDisconnectClosesDownstream covers scenario S6: once a session
// is connected end to end, closing the upstream client tears down the
// session and closes the matched downstream connection rather than leaking
// it.
func TestUpstreamDisconnectClosesDownstream(t *testing.T) {
	remote, err := raknet.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := startTestProxy(t, ctx, remote.Addr().String())
	defer p.Stop()

	client, err := raknet.DialTimeout(p.Addr().String(), testReadTimeout)
	require.NoError(t, err)

	_, err = client.Write(requestNetworkSettingsFrame(729))
	require.NoError(t, err)
	client.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, err = client.ReadPacket()
	require.NoError(t, err)

	loginFrame, err := codec.Encode(&packet.Login{ClientProtocol: 729, ConnectionRequest: []byte("chain")}, packet.FlateCompression)
	require.NoError(t, err)
	_, err = client.Write(loginFrame)
	require.NoError(t, err)

	downstream := acceptWithTimeout(t, remote, testReadTimeout)
	defer downstream.Close()
	downstream.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, err = downstream.ReadPacket()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.sessions.Count() == 1
	}, testReadTimeout, 20*time.Millisecond, "session was never registered")

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return p.sessions.Count() == 0
	}, testReadTimeout, 20*time.Millisecond, "session was never removed after upstream close")

	downstream.SetReadDeadline(time.Now().Add(testReadTimeout))
	_, err = downstream.ReadPacket()
	require.Error(t, err, "downstream connection should have been closed alongside the session")
}

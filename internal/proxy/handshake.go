package proxy

import (
	"fmt"
	"time"

	"github.com/sandertv/go-raknet"
	"github.com/sandertv/gophertunnel/minecraft/protocol/packet"

	"mcbeproxy/internal/codec"
	"mcbeproxy/internal/session"
)

// handleUpstream drives one accepted upstream peer end to end: the
// NetworkSettings priming step, the login handshake, and then the bulk
// forwarding loop, until the peer disconnects.
func (p *Proxy) handleUpstream(conn *raknet.Conn) {
	defer p.wg.Done()

	id := newSessionID()
	s := session.New(id, clientAddrOf(conn), conn)
	p.sessions.Add(s)
	p.metrics.SessionsOpened.Inc()
	p.metrics.ActiveSessions.Set(float64(p.sessions.Count()))
	p.ad.SetPlayerCount(p.sessions.Count())
	p.responder.Refresh()
	defer p.teardown(s)

	conn.SetDeadline(time.Now().Add(handshakeDeadline))
	if err := p.primeNetworkSettings(s); err != nil {
		p.log.Debugw("network settings handshake failed", "session", id, "error", err)
		p.metrics.HandshakeErrors.Inc()
		return
	}
	conn.SetDeadline(time.Time{})

	for {
		frame, err := conn.ReadPacket()
		if err != nil {
			return
		}
		s.Touch()
		p.onUpstreamFrame(s, frame)
	}
}

// primeNetworkSettings reads the client's RequestNetworkSettings frame and
// answers with the proxy's fixed NetworkSettings reply, per §4.6. The id of
// the request packet is not checked — the corpus's own uncompressed-priming
// helper reads this first frame unconditionally too, since nothing else can
// legally arrive before it.
func (p *Proxy) primeNetworkSettings(s *session.Session) error {
	reqFrame, err := s.Upstream.ReadPacket()
	if err != nil {
		return fmt.Errorf("read request network settings: %w", err)
	}
	proto, err := clientProtocolFromRequest(reqFrame)
	if err != nil {
		return fmt.Errorf("parse request network settings: %w", err)
	}
	s.SetClientProtocol(proto)
	p.log.Debugw("client declared protocol", "session", s.ID, "protocol", proto)

	reply := &packet.NetworkSettings{
		CompressionThreshold: 0,
		CompressionAlgorithm: packet.CompressionAlgorithmFlate,
	}
	replyFrame, err := codec.EncodeUncompressed(reply)
	if err != nil {
		return fmt.Errorf("build network settings reply: %w", err)
	}
	if _, err := s.Upstream.Write(replyFrame); err != nil {
		return fmt.Errorf("send network settings reply: %w", err)
	}
	return nil
}

func clientProtocolFromRequest(frame []byte) (int32, error) {
	subs, err := codec.DecodeUncompressedBatch(frame)
	if err != nil || len(subs) == 0 {
		return 0, fmt.Errorf("decode request network settings: %w", err)
	}
	_, body, err := codec.PeekID(subs[0])
	if err != nil {
		return 0, err
	}
	return codec.ClientProtocolOf(body)
}

// onUpstreamFrame implements the upstream side of the session state machine
// described in §4.6: the first recognized Login defers and starts the
// downstream connection; every later frame either forwards (once connected)
// or is dropped silently, with a duplicate Login always ignored.
func (p *Proxy) onUpstreamFrame(s *session.Session, frame []byte) {
	id, recognized := firstSubPacketID(frame)

	if s.Phase() == session.AwaitingNetworkSettings {
		if !recognized || id != packetIDLogin {
			return
		}
		s.DeferLogin(frame)
		s.SetAwaitingDownstream()
		p.wg.Add(1)
		go p.connectDownstream(s)
		return
	}

	if recognized && id == packetIDLogin {
		return // second Login from the same upstream is ignored, keep the first
	}

	d := s.Downstream()
	if d == nil {
		return // peer not connected yet, drop silently
	}
	if _, err := d.Write(frame); err != nil {
		p.log.Debugw("forward upstream frame failed", "session", s.ID, "error", err)
		return
	}
	p.metrics.BytesDownstream.Add(float64(len(frame)))
}

// connectDownstream opens the downstream RakNet connection for a session
// that just deferred its Login, per §4.5.
func (p *Proxy) connectDownstream(s *session.Session) {
	defer p.wg.Done()

	cfg := p.cfgMgr.Current()
	proto := s.ClientProtocol()
	if cfg.Downstream.ProtocolOverride != 0 {
		proto = int32(cfg.Downstream.ProtocolOverride)
	}
	p.log.Debugw("dialing downstream", "session", s.ID, "remote", cfg.RemoteAddr(), "protocol", proto)

	conn, err := dialDownstream(p.ctx, cfg.RemoteAddr())
	if err != nil {
		p.log.Warnw("downstream connect failed", "session", s.ID, "error", err)
		p.metrics.HandshakeErrors.Inc()
		p.disconnectUpstream(s, "Could not connect to the remote server.")
		p.teardown(s)
		return
	}
	if s.Disconnecting() {
		// Upstream already closed while we were dialing; the design notes call
		// for closing the downstream without forwarding.
		conn.Close()
		return
	}

	s.SetDownstream(conn)
	p.onDownstreamConnected(s)

	p.wg.Add(1)
	go p.downstreamReadLoop(s, conn)
}

// onDownstreamConnected forwards the deferred login exactly once, per the
// loginForwarded latch.
func (p *Proxy) onDownstreamConnected(s *session.Session) {
	if !s.MarkLoginForwarded() {
		return
	}
	login := s.TakePendingLogin()
	if login == nil {
		return
	}
	d := s.Downstream()
	if d == nil {
		return
	}
	if _, err := d.Write(login); err != nil {
		p.log.Warnw("failed to forward login downstream", "session", s.ID, "error", err)
		return
	}
	p.metrics.BytesDownstream.Add(float64(len(login)))
}

// downstreamReadLoop forwards server-originated frames upstream, dispatching
// on packet id per §4.6, until the downstream peer disconnects or sends a
// Disconnect; either way the session is then torn down.
func (p *Proxy) downstreamReadLoop(s *session.Session, conn *raknet.Conn) {
	defer p.wg.Done()
	defer p.teardown(s)
	for {
		frame, err := conn.ReadPacket()
		if err != nil {
			p.disconnectUpstream(s, "Proxy session ended")
			return
		}
		s.Touch()
		if p.onDownstreamFrame(s, frame) {
			return
		}
	}
}

// onDownstreamFrame handles one server-originated frame and reports whether
// the session should tear down now (a Disconnect was received).
func (p *Proxy) onDownstreamFrame(s *session.Session, frame []byte) (shutdown bool) {
	id, recognized := firstSubPacketID(frame)
	if !recognized {
		p.log.Debugw("codec decode error on downstream packet", "session", s.ID)
		return false
	}

	switch id {
	case packetIDServerToClientHandshake:
		p.forwardUpstream(s, frame)
		p.sendClientToServerHandshake(s)
	case packetIDPlayStatus:
		p.forwardUpstream(s, frame)
		if status, ok := playStatusOf(frame); ok && isPlayableStatus(status) {
			s.SetPlaying()
		}
	case packetIDDisconnect:
		p.forwardUpstream(s, frame)
		return true
	default:
		p.forwardUpstream(s, frame)
	}
	return false
}

func (p *Proxy) forwardUpstream(s *session.Session, frame []byte) {
	if s.Upstream == nil {
		return
	}
	if _, err := s.Upstream.Write(frame); err != nil {
		p.log.Debugw("forward downstream frame failed", "session", s.ID, "error", err)
		return
	}
	p.metrics.BytesUpstream.Add(float64(len(frame)))
}

func (p *Proxy) sendClientToServerHandshake(s *session.Session) {
	d := s.Downstream()
	if d == nil {
		return
	}
	frame, err := codec.Encode(&packet.ClientToServerHandshake{}, packet.FlateCompression)
	if err != nil {
		p.log.Debugw("failed to encode client-to-server handshake", "session", s.ID, "error", err)
		return
	}
	if _, err := d.Write(frame); err != nil {
		p.log.Debugw("failed to send client-to-server handshake", "session", s.ID, "error", err)
	}
}

// disconnectUpstream sends a best-effort Disconnect with a diagnostic
// message to the upstream peer. Compression is always Flate/threshold-0 at
// this point, since every path that calls this runs after the
// NetworkSettings priming step.
func (p *Proxy) disconnectUpstream(s *session.Session, message string) {
	if s.Upstream == nil {
		return
	}
	pk := &packet.Disconnect{
		Reason:                  packet.DisconnectReasonKicked,
		HideDisconnectionScreen: false,
		Message:                 message,
		FilteredMessage:         message,
	}
	frame, err := codec.Encode(pk, packet.FlateCompression)
	if err != nil {
		p.log.Debugw("failed to encode disconnect packet", "session", s.ID, "error", err)
		return
	}
	_, _ = s.Upstream.Write(frame)
}

// teardown closes both peers of a session and removes it from the map. Safe
// to call more than once; only the first call does anything, guarded by the
// session's own disconnecting latch.
func (p *Proxy) teardown(s *session.Session) {
	if !s.BeginDisconnect() {
		return
	}
	closeSession(s)
	p.sessions.Remove(s.ID)
}

// firstSubPacketID decodes a compressed game-packet frame and returns the id
// of its first sub-packet. A decode failure or empty batch reports false,
// matching the codec-error failure row: log, drop, keep going.
func firstSubPacketID(frame []byte) (id uint32, ok bool) {
	subs, err := codec.DecodeBatch(frame)
	if err != nil || len(subs) == 0 {
		return 0, false
	}
	id, _, err = codec.PeekID(subs[0])
	if err != nil {
		return 0, false
	}
	return id, true
}

func playStatusOf(frame []byte) (int32, bool) {
	subs, err := codec.DecodeBatch(frame)
	if err != nil || len(subs) == 0 {
		return 0, false
	}
	_, body, err := codec.PeekID(subs[0])
	if err != nil {
		return 0, false
	}
	status, err := codec.PlayStatusOf(body)
	if err != nil {
		return 0, false
	}
	return status, true
}

func isPlayableStatus(status int32) bool {
	return status == int32(packet.PlayStatusLoginSuccess) || status == int32(packet.PlayStatusPlayerSpawn)
}

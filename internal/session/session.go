// Package session holds the per-client connection state the proxy's upstream
// and downstream handlers drive. The Session type itself carries no
// behavior: phase transitions and packet routing live in the proxy package,
// which owns both peer handles. This keeps ownership a DAG, per the design
// notes — handlers hold a non-owning back-reference to their session, never
// to each other.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandertv/go-raknet"
)

// HandshakePhase is the tagged variant over a session's position in the
// login handshake. Initial = AwaitingNetworkSettings. There is no terminal
// phase value; the session is simply destroyed.
type HandshakePhase int

const (
	AwaitingNetworkSettings HandshakePhase = iota
	AwaitingDownstream
	Playing
)

func (p HandshakePhase) String() string {
	switch p {
	case AwaitingNetworkSettings:
		return "AwaitingNetworkSettings"
	case AwaitingDownstream:
		return "AwaitingDownstream"
	case Playing:
		return "Playing"
	default:
		return "Unknown"
	}
}

// Session is the unit of ownership for one connected client.
type Session struct {
	ID         string
	ClientAddr string
	StartTime  time.Time

	Upstream *raknet.Conn // inbound reliable channel, always present

	mu          sync.Mutex
	phase       HandshakePhase
	downstream  *raknet.Conn // outbound reliable channel, present only once connect completes
	pendingLogin []byte      // deferred login envelope, present only between Login receipt and downstream ready

	loginForwarded atomic.Bool
	connected      atomic.Bool
	disconnecting  atomic.Bool

	clientProtocol atomic.Int32 // the client's declared protocol, from RequestNetworkSettings

	lastSeen atomic.Int64 // unix nanos
}

// New creates a session in its initial phase for a freshly accepted upstream
// peer.
func New(id, clientAddr string, upstream *raknet.Conn) *Session {
	s := &Session{
		ID:         id,
		ClientAddr: clientAddr,
		StartTime:  time.Now(),
		Upstream:   upstream,
		phase:      AwaitingNetworkSettings,
	}
	s.Touch()
	return s
}

// Phase returns the session's current handshake phase.
func (s *Session) Phase() HandshakePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// setPhase enforces the monotonic ordering invariant: AwaitingNetworkSettings
// -> AwaitingDownstream -> Playing, no backward transitions. Callers that
// would violate the ordering are no-ops, matching the "second Login is
// ignored" and "non-success PlayStatus forwarded but no transition" edge
// cases described in the handshake design.
func (s *Session) setPhase(p HandshakePhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.phase {
		s.phase = p
	}
}

// SetAwaitingDownstream transitions AwaitingNetworkSettings -> AwaitingDownstream.
func (s *Session) SetAwaitingDownstream() { s.setPhase(AwaitingDownstream) }

// SetPlaying transitions (from AwaitingDownstream) -> Playing.
func (s *Session) SetPlaying() { s.setPhase(Playing) }

// Downstream returns the outbound peer handle, or nil before the downstream
// connection completes.
func (s *Session) Downstream() *raknet.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downstream
}

// SetDownstream stores the outbound peer handle and marks the session
// connected. Per the invariant, this must only be observed alongside phase
// AwaitingDownstream or Playing — the proxy moves the session to
// AwaitingDownstream before it starts the dial that produces this handle.
func (s *Session) SetDownstream(conn *raknet.Conn) {
	s.mu.Lock()
	s.downstream = conn
	s.mu.Unlock()
	s.connected.Store(true)
}

// Connected reports whether the downstream peer has completed connecting.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// DeferLogin captures the client's Login envelope until the downstream
// becomes ready. Only the first call has an effect — a second Login from the
// same upstream is ignored, keeping the first.
func (s *Session) DeferLogin(login []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingLogin == nil {
		s.pendingLogin = login
	}
}

// TakePendingLogin returns and clears the deferred login, or nil if there was
// none (or it was already taken). Combined with LoginForwarded this is the
// one-shot latch the design notes describe.
func (s *Session) TakePendingLogin() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	login := s.pendingLogin
	s.pendingLogin = nil
	return login
}

// HasPendingLogin reports whether a login is currently deferred.
func (s *Session) HasPendingLogin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLogin != nil
}

// MarkLoginForwarded and LoginForwarded implement the idempotence latch for
// on_downstream_connected: the deferred login must be forwarded exactly once.
func (s *Session) MarkLoginForwarded() bool {
	return s.loginForwarded.CompareAndSwap(false, true)
}

func (s *Session) LoginForwarded() bool {
	return s.loginForwarded.Load()
}

// SetClientProtocol records the protocol version the client declared in its
// RequestNetworkSettings packet, for diagnostics and for the downstream dial
// to optionally override.
func (s *Session) SetClientProtocol(protocol int32) { s.clientProtocol.Store(protocol) }

// ClientProtocol returns the protocol version recorded by SetClientProtocol,
// or zero before the priming handshake completes.
func (s *Session) ClientProtocol() int32 { return s.clientProtocol.Load() }

// BeginDisconnect marks the session as tearing down and reports whether this
// call is the one that won the race — re-entrant shutdown calls are safe.
func (s *Session) BeginDisconnect() bool {
	return s.disconnecting.CompareAndSwap(false, true)
}

func (s *Session) Disconnecting() bool {
	return s.disconnecting.Load()
}

// Touch records activity for diagnostics; the session itself has no
// independent idle timer (the RakNet transports enforce their own).
func (s *Session) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

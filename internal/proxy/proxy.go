// Package proxy wires the wire/discovery/lan/codec/session/config packages
// into the running connection-lifecycle engine: an upstream RakNet listener
// that fans out into a matched downstream RakNet client per session, the
// login handshake arbitration described in the session state machine, and
// the bulk forwarding plane once a session reaches Playing.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandertv/go-raknet"
	"go.uber.org/zap"

	"mcbeproxy/internal/advert"
	"mcbeproxy/internal/config"
	"mcbeproxy/internal/discovery"
	"mcbeproxy/internal/lan"
	"mcbeproxy/internal/metrics"
	"mcbeproxy/internal/session"
)

// downstreamDialTimeout bounds how long a session waits for its remote
// connection before giving up, per the downstream-connect-fails failure
// row. A var rather than a const so integration tests can shrink it instead
// of waiting out the real timeout against a deliberately unreachable remote.
var downstreamDialTimeout = 10 * time.Second

// handshakeDeadline bounds how long a freshly accepted client has to send
// its RequestNetworkSettings and receive the NetworkSettings reply. The
// deadline is cleared once that priming step completes; later phases have
// no deadline of their own.
var handshakeDeadline = 15 * time.Second

// Proxy is the process-wide singleton: bound configuration, the shared
// session map, the discovery/advertisement state, and the background loops
// (accept loop, LAN advertiser, metrics server). The config file watch is
// started by the caller, not by the Proxy. Lifecycle is the process
// lifetime, torn down by Stop.
type Proxy struct {
	cfgMgr  *config.Manager
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	ad       *advert.ServerAdvertisement
	sessions *session.Manager

	listener   *raknet.Listener
	responder  *discovery.Responder
	advertiser *lan.Advertiser

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Proxy. Nothing network-facing happens until Start.
func New(cfgMgr *config.Manager, log *zap.Logger, metricsReg *metrics.Registry) *Proxy {
	cfg := cfgMgr.Current()
	serverID := rand.Uint64()
	ad := advert.NewServerAdvertisement(serverID, cfg.LAN.MOTD, cfg.LAN.SubMOTD, currentBedrockProtocol, bedrockVersionString, cfg.MaxPlayers, uint16(cfg.Proxy.Port), uint16(cfg.Proxy.Port))

	p := &Proxy{
		cfgMgr:   cfgMgr,
		log:      log.Sugar(),
		metrics:  metricsReg,
		ad:       ad,
		sessions: session.NewManager(),
	}
	p.sessions.OnRemove = p.onSessionRemoved
	return p
}

// Start binds the upstream listener, publishes the initial advertisement,
// registers the config-change callback, starts the LAN advertiser and
// metrics server when enabled, and begins accepting connections. It returns once the listener is bound; accepting happens on
// a background goroutine.
func (p *Proxy) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	cfg := p.cfgMgr.Current()

	listener, err := raknet.Listen(cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("proxy: bind upstream listener: %w", err)
	}
	p.listener = listener
	p.responder = discovery.NewResponder(listener, p.ad)

	p.cfgMgr.OnChange = p.onConfigChanged

	if cfg.LAN.Enabled {
		if err := p.startAdvertiser(cfg); err != nil {
			p.log.Warnw("failed to start lan advertiser", "error", err)
		}
	}

	if cfg.Metrics.Enabled && p.metrics != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.metrics.Serve(p.ctx, cfg.Metrics.ListenAddress); err != nil {
				p.log.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	p.wg.Add(1)
	go p.acceptLoop()

	p.log.Infow("proxy started", "bind", cfg.BindAddr(), "remote", cfg.RemoteAddr())
	return nil
}

// Addr returns the bound address of the upstream listener. Only valid after
// Start returns successfully; mainly useful for tests that bind to port 0.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Proxy) startAdvertiser(cfg *config.Config) error {
	adv, err := lan.NewAdvertiser(p.ad, cfg.BroadcastInterval(), p.log)
	if err != nil {
		return err
	}
	p.advertiser = adv
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		adv.Run(p.ctx)
	}()
	return nil
}

func (p *Proxy) onConfigChanged(cfg *config.Config) {
	p.ad.MaxPlayers = cfg.MaxPlayers
	p.responder.Refresh()
	p.log.Infow("configuration reloaded")
}

// Stop disconnects every live session, then closes the listener, stops the
// background loops, and waits for everything to exit. Idempotent: calling
// Stop twice is safe.
func (p *Proxy) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}

	for _, s := range p.sessions.RemoveAll() {
		closeSession(s)
	}

	var err error
	if p.listener != nil {
		err = p.listener.Close()
	}
	p.wg.Wait()
	return err
}

// acceptLoop is the single-thread "boss" pool: it accepts new upstream
// connections and hands each to its own worker goroutine.
func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.log.Warnw("accept failed", "error", err)
			continue
		}
		rc, ok := conn.(*raknet.Conn)
		if !ok {
			conn.Close()
			continue
		}
		p.wg.Add(1)
		go p.handleUpstream(rc)
	}
}

func (p *Proxy) onSessionRemoved(s *session.Session) {
	p.metrics.SessionsClosed.Inc()
	p.metrics.ActiveSessions.Set(float64(p.sessions.Count()))
	p.ad.SetPlayerCount(p.sessions.Count())
	p.responder.Refresh()
}

// closeSession closes both peers of a session. Safe to call more than once;
// raknet.Conn.Close is itself idempotent.
func closeSession(s *session.Session) {
	if s.Upstream != nil {
		s.Upstream.Close()
	}
	if d := s.Downstream(); d != nil {
		d.Close()
	}
}

var errDownstreamUnreachable = errors.New("could not connect to the remote server")

// dialDownstream opens the RakNet client connection to the configured
// remote, per §4.5.
func dialDownstream(ctx context.Context, addr string) (*raknet.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, downstreamDialTimeout)
	defer cancel()

	type result struct {
		conn *raknet.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := raknet.DialTimeout(addr, downstreamDialTimeout)
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errDownstreamUnreachable, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", errDownstreamUnreachable, r.err)
		}
		return r.conn, nil
	}
}

func newSessionID() string {
	return uuid.New().String()
}

func clientAddrOf(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// Package lan implements the periodic LAN-discovery broadcast: unsolicited
// UNCONNECTED_PONG datagrams sent to the global broadcast address and every
// interface's directed broadcast address, on the fixed Bedrock discovery
// port 19132.
package lan

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"mcbeproxy/internal/advert"
	"mcbeproxy/internal/wire"
)

const globalBroadcast = "255.255.255.255"

// Advertiser runs the scheduled emission described in the spec: on a timer,
// build a pong frame from the current advertisement and send it to every
// broadcast destination. It owns one UDP socket with SO_BROADCAST semantics.
type Advertiser struct {
	ad       *advert.ServerAdvertisement
	interval time.Duration
	log      *zap.SugaredLogger

	conn *net.UDPConn
}

// NewAdvertiser opens the broadcast socket. Returns an error only for socket
// setup failure; per-destination send errors are handled inside Run.
func NewAdvertiser(ad *advert.ServerAdvertisement, interval time.Duration, log *zap.SugaredLogger) (*Advertiser, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &Advertiser{ad: ad, interval: interval, log: log, conn: conn}, nil
}

// Run blocks, sending a broadcast pong every interval, until ctx is canceled
// or the socket fails. A socket failure is fatal to the advertiser but not to
// the proxy: Run logs the stop and returns, the rest of the proxy keeps
// running.
func (a *Advertiser) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	defer a.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.broadcastOnce(); err != nil {
				a.log.Warnw("lan advertiser socket failed, stopping", "error", err)
				return
			}
		}
	}
}

func (a *Advertiser) broadcastOnce() error {
	frame := wire.BuildPong(uint64(time.Now().UnixMilli()), a.ad.ServerID, a.ad.String())

	destinations := append([]string{globalBroadcast}, directedBroadcastAddresses()...)
	var lastFatal error
	for _, dest := range destinations {
		addr := &net.UDPAddr{IP: net.ParseIP(dest), Port: wire.DefaultBroadcastPort}
		if _, err := a.conn.WriteToUDP(frame, addr); err != nil {
			// Per-destination send errors are non-fatal; a dead interface or an
			// unreachable broadcast address should not stop the advertiser.
			a.log.Debugw("lan advertiser send failed", "destination", dest, "error", err)
			if isFatalSocketError(err) {
				lastFatal = err
			}
		}
	}
	return lastFatal
}

// directedBroadcastAddresses enumerates this machine's IPv4 interfaces and
// computes each one's directed subnet broadcast address.
func directedBroadcastAddresses() []string {
	var out []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			out = append(out, broadcastOf(ip4, ipNet.Mask))
		}
	}
	return out
}

func broadcastOf(ip net.IP, mask net.IPMask) string {
	bcast := make(net.IP, len(ip))
	for i := range ip {
		bcast[i] = ip[i] | ^mask[i]
	}
	return bcast.String()
}

// isFatalSocketError reports whether an error indicates the advertiser's own
// socket is no longer usable, as opposed to one destination being
// unreachable (the common case for a directed broadcast on a down interface).
func isFatalSocketError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

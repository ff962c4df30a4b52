// Package tunnel implements the per-tunnel packet-processing engine: the
// transmit and receive classifiers, the qualification snapshot, and the
// peer-list and rate-limiter it orchestrates.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teredo-go/teredo/internal/authhmac"
	"github.com/teredo-go/teredo/internal/peer"
	"github.com/teredo-go/teredo/internal/ratelimit"
)

// qualification is the snapshot guarded by Tunnel.qualMu. Readers
// (transmit/receive classifiers) copy it under a read lock and release
// before doing I/O; the writer lock is held across state-change callback
// invocation (spec §5).
type qualification struct {
	up   bool
	addr net.IP // this tunnel's own Teredo address, client only
	mtu  uint16
	ipv4 net.IP // our mapped IPv4 as reported by the server, client only
	cone bool
}

// Maintenance is the client-only qualification-handshake collaborator
// (spec §2 item 7). Implemented concretely in internal/maintenance.
type Maintenance interface {
	Start(ctx context.Context) error
	Stop()
	// Offer gives the maintenance collaborator first refusal on an
	// inbound packet (spec §4.6 step 2); handled reports whether it
	// consumed the packet.
	Offer(srcIPv4 net.IP, srcPort uint16, ip6 []byte) (handled bool)
}

// Discovery is the client-only local-peer-discovery collaborator (spec §2
// item 8). Implemented concretely in internal/discovery.
type Discovery interface {
	Start(ctx context.Context) error
	Stop()
	SendBubble(targetIPv6 net.IP) error
}

// Tunnel is the per-tunnel packet-processing engine.
type Tunnel struct {
	cfg Config

	sock *udpSocket

	peers   *peer.List
	limiter *ratelimit.Limiter
	metrics *Metrics

	qualMu sync.RWMutex
	qual   qualification

	privMu sync.Mutex
	priv   any

	cbMu     sync.RWMutex
	onRecv   RecvCallback
	onICMPv6 ICMPv6Callback
	onUp     StateUpCallback
	onDown   StateDownCallback

	maintenance Maintenance
	discovery   Discovery

	running atomic.Bool
	closing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
}

// New creates a Tunnel bound to cfg.BindIPv4:cfg.BindPort. It corresponds
// to spec §6's create(bind_ipv4, bind_port).
func New(cfg Config) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := authhmac.Init(); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}

	sock, err := newUDPSocket(cfg.BindIPv4, cfg.BindPort)
	if err != nil {
		authhmac.Close()
		return nil, err
	}

	t := &Tunnel{
		cfg:      cfg,
		sock:     sock,
		peers:    peer.New(cfg.MaxPeers, cfg.ValidLifetime),
		onRecv:   cfg.OnRecv,
		onICMPv6: cfg.OnICMPv6,
		onUp:     cfg.OnStateUp,
		onDown:   cfg.OnStateDown,
	}
	t.limiter = ratelimit.New(cfg.Clock, cfg.ICMPRatePerSec)
	t.metrics = newMetrics(cfg.Registry, cfg.Role, func() float64 { return float64(t.peers.Len()) })
	t.qual.cone = cfg.ConeFlag
	return t, nil
}

// Destroy stops the receive thread and any maintenance/discovery
// collaborators, then releases the socket and HMAC secret. It corresponds
// to spec §6's destroy(tunnel).
func (t *Tunnel) Destroy() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
		// Self-wakeup: send a zero-length datagram to our own socket so
		// the blocked ReadFromUDP returns promptly instead of waiting
		// out the poll interval (spec §9: atomic shutdown flag plus
		// self-wakeup datagram, replacing thread cancellation).
		if addr := t.sock.LocalAddr(); addr != nil {
			_, _ = t.sock.conn.WriteToUDP(nil, addr)
		}
	}
	if t.maintenance != nil {
		t.maintenance.Stop()
	}
	if t.discovery != nil {
		t.discovery.Stop()
	}
	t.wg.Wait()
	t.peers.Close()
	err := t.sock.Close()
	authhmac.Close()
	return err
}

// SetConeFlag sets the relay-only cone-NAT belief flag. Valid only before
// RunAsync.
func (t *Tunnel) SetConeFlag(cone bool) error {
	if t.running.Load() {
		return ErrConfigurationRefused
	}
	t.qualMu.Lock()
	t.qual.cone = cone
	t.qualMu.Unlock()
	return nil
}

// SetRelayMode switches the tunnel to relay mode. Valid only before
// RunAsync.
func (t *Tunnel) SetRelayMode() error {
	if t.running.Load() {
		return ErrConfigurationRefused
	}
	t.cfg.Role = RoleRelay
	t.maintenance = nil
	return nil
}

// SetClientMode switches the tunnel to client mode against the given
// server(s). Valid only before RunAsync.
func (t *Tunnel) SetClientMode(primary, secondary net.IP, m Maintenance) error {
	if t.running.Load() {
		return ErrConfigurationRefused
	}
	if primary == nil {
		return fmt.Errorf("tunnel: client mode requires a primary server: %w", ErrConfigurationRefused)
	}
	t.cfg.Role = RoleClient
	t.cfg.PrimaryServer = primary
	t.cfg.SecondaryServer = secondary
	t.maintenance = m
	return nil
}

// SetLocalDiscovery enables or attaches the local-discovery collaborator.
// Client-only, valid only before RunAsync.
func (t *Tunnel) SetLocalDiscovery(enabled bool, d Discovery) error {
	if t.running.Load() {
		return ErrConfigurationRefused
	}
	if t.cfg.Role != RoleClient {
		return fmt.Errorf("tunnel: local discovery is client-only: %w", ErrConfigurationRefused)
	}
	t.cfg.LocalDiscovery = enabled
	if enabled {
		t.discovery = d
	} else {
		t.discovery = nil
	}
	return nil
}

// SetPrivData stores an opaque caller value, returning the previous one.
func (t *Tunnel) SetPrivData(v any) any {
	t.privMu.Lock()
	defer t.privMu.Unlock()
	old := t.priv
	t.priv = v
	return old
}

// GetPrivData returns the opaque caller value set by SetPrivData.
func (t *Tunnel) GetPrivData() any {
	t.privMu.Lock()
	defer t.privMu.Unlock()
	return t.priv
}

// SetRecvCallback installs the callback invoked with decapsulated inner
// IPv6 packets.
func (t *Tunnel) SetRecvCallback(cb RecvCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onRecv = cb
}

// SetICMPv6Callback installs the callback invoked with built ICMPv6
// messages.
func (t *Tunnel) SetICMPv6Callback(cb ICMPv6Callback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onICMPv6 = cb
}

// SetStateCallback installs the qualification up/down callbacks.
func (t *Tunnel) SetStateCallback(up StateUpCallback, down StateDownCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onUp = up
	t.onDown = down
}

// RunAsync starts the receive thread (and, in client mode, the
// maintenance/discovery collaborators). It is an error to call it twice.
func (t *Tunnel) RunAsync() error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.errCh = make(chan error, 4)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.recvLoop(t.ctx); err != nil {
			select {
			case t.errCh <- err:
			default:
			}
		}
	}()

	if t.cfg.Role == RoleClient && t.maintenance != nil {
		if err := t.maintenance.Start(t.ctx); err != nil {
			return fmt.Errorf("tunnel: starting maintenance: %w", err)
		}
	}
	if t.cfg.Role == RoleClient && t.cfg.LocalDiscovery && t.discovery != nil {
		if err := t.discovery.Start(t.ctx); err != nil {
			return fmt.Errorf("tunnel: starting discovery: %w", err)
		}
	}
	return nil
}

// RawSend writes a single flattened datagram to dst through the tunnel's
// own UDP socket, with the same retry policy as the classifiers use. It is
// exposed for the maintenance collaborator, which is constructed by the
// caller (see cmd/teredo-tunnel) before being attached via SetClientMode.
// The discovery collaborator sends on its own multicast socket instead.
func (t *Tunnel) RawSend(datagram []byte, dst *net.UDPAddr) error {
	return t.sendv([][]byte{datagram}, dst)
}

// LocalAddr returns the UDP address the tunnel's socket is bound to.
func (t *Tunnel) LocalAddr() *net.UDPAddr {
	return t.sock.LocalAddr()
}

// Err returns a channel that surfaces fatal errors from background
// goroutines, mirroring the manager.Err() convention used elsewhere in
// this codebase's ancestry.
func (t *Tunnel) Err() <-chan error {
	return t.errCh
}

// setQualification applies fn to a copy of the current qualification
// snapshot under the write lock, then invokes the up/down callback while
// still holding it (spec §5: the writer is held across the callback to
// serialize notifications).
func (t *Tunnel) setQualification(fn func(q *qualification)) {
	t.qualMu.Lock()
	defer t.qualMu.Unlock()
	wasUp := t.qual.up
	fn(&t.qual)
	nowUp := t.qual.up
	addr, mtu := t.qual.addr, t.qual.mtu

	t.cbMu.RLock()
	up, down := t.onUp, t.onDown
	t.cbMu.RUnlock()

	if !wasUp && nowUp {
		t.peers.Reset(t.cfg.MaxPeers)
		if up != nil {
			up(addr, mtu)
		}
	} else if wasUp && !nowUp {
		if down != nil {
			down()
		}
	}
}

// NotifyQualified flips the qualification snapshot up and records the
// negotiated client address, MTU, and cone belief. It is the maintenance
// collaborator's counterpart to a successful Router Advertisement (spec §3:
// "the qualification snapshot flips to up on successful maintenance").
func (t *Tunnel) NotifyQualified(addr net.IP, mtu uint16, cone bool) {
	t.setQualification(func(q *qualification) {
		q.up = true
		q.addr = addr
		q.mtu = mtu
		q.cone = cone
	})
}

// NotifyLost flips the qualification snapshot down, e.g. when the
// maintenance collaborator exhausts its qualification retries (spec §3:
// "...and to down on failure/timeout").
func (t *Tunnel) NotifyLost() {
	t.setQualification(func(q *qualification) {
		q.up = false
	})
}

// snapshotQualification copies the qualification state under a read lock
// and releases it before any I/O, per spec §5.
func (t *Tunnel) snapshotQualification() qualification {
	t.qualMu.RLock()
	defer t.qualMu.RUnlock()
	return t.qual
}

// now returns the current monotonic second counter.
func (t *Tunnel) now() int64 {
	return t.cfg.Clock.NowSeconds()
}

// sendv sends parts to dst, retrying transient failures up to
// maxSendRetries times in-process (spec §4.7).
func (t *Tunnel) sendv(parts [][]byte, dst *net.UDPAddr) error {
	var lastErr error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		n, err := t.sock.Sendv(parts, dst)
		if err == nil {
			total := 0
			for _, p := range parts {
				total += len(p)
			}
			if n == total {
				return nil
			}
			lastErr = fmt.Errorf("%w: short write %d/%d", ErrNetwork, n, total)
			continue
		}
		lastErr = err
		if !isRetryable(err) {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	return fmt.Errorf("%w: exhausted retries: %v", ErrNetwork, lastErr)
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for substr := range retryableErrno {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Package maintenance implements the client-only qualification handshake:
// a solicitation / Router Advertisement exchange with a Teredo server, retried
// with backoff, notifying the tunnel engine of up/down transitions and of
// the negotiated address/MTU.
//
// Grounded on the teacher's long-running session/receiver components
// (manager.go/session.go/receiver.go) for lifecycle shape, and on
// original_source/libteredo/packets.c's SendRS/ParseRA for wire semantics.
package maintenance

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/teredo-go/teredo/internal/teredoaddr"
	"github.com/teredo-go/teredo/internal/wire"
)

// Config configures a Handshake.
type Config struct {
	PrimaryServer   net.IP
	SecondaryServer net.IP
	ClientIPv4      net.IP
	ClientPort      uint16
	Timeout         time.Duration
	Retries         int
	Logger          *slog.Logger

	// Send transmits a raw solicitation datagram to dst and is
	// supplied by the tunnel (which owns the UDP socket).
	Send func(datagram []byte, dst *net.UDPAddr) error

	// OnQualified is invoked when an RA is accepted.
	OnQualified func(addr net.IP, mtu uint16, cone bool)
	// OnLost is invoked when qualification attempts are exhausted.
	OnLost func()
}

func (c *Config) validate() error {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PrimaryServer == nil {
		return fmt.Errorf("maintenance: primary server is required")
	}
	return nil
}

// Handshake drives qualification against Config.PrimaryServer, re-running
// it periodically to detect NAT rebinding. Solicitations always go to the
// primary server; SecondaryServer is only accepted by Offer as a source of
// advertisements. This is consistent with the receive classifier's expectation (spec
// §4.6 step 2) that maintenance gets first refusal on inbound packets.
type Handshake struct {
	cfg Config

	mu      sync.Mutex
	pending chan []byte // RAs delivered by Offer, consumed by the qualify loop
	nonce   [8]byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Handshake. Call Start to begin qualifying.
func New(cfg Config) (*Handshake, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Handshake{cfg: cfg, pending: make(chan []byte, 4)}, nil
}

// Start launches the qualification loop in the background.
func (h *Handshake) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run(ctx)
	}()
	return nil
}

// Stop cancels the qualification loop and waits for it to exit.
func (h *Handshake) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Offer gives the maintenance collaborator first refusal on an inbound
// packet, per spec §4.6 step 2. It accepts only packets that look like a
// Router Advertisement from our configured server.
func (h *Handshake) Offer(srcIPv4 net.IP, srcPort uint16, ip6 []byte) bool {
	if !srcIPv4.Equal(h.cfg.PrimaryServer) && !srcIPv4.Equal(h.cfg.SecondaryServer) {
		return false
	}
	if !looksLikeRA(ip6) {
		return false
	}
	select {
	case h.pending <- ip6:
	default:
	}
	return true
}

func (h *Handshake) run(ctx context.Context) {
	for {
		if err := h.qualifyOnce(ctx); err != nil {
			h.cfg.Logger.Warn("maintenance: qualification attempt failed", "error", err)
			if h.cfg.OnLost != nil {
				h.cfg.OnLost()
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
			// Periodic re-qualification to detect NAT rebinding.
		}
	}
}

func (h *Handshake) qualifyOnce(ctx context.Context) error {
	op := func() (struct{}, error) {
		if err := h.sendSolicitation(); err != nil {
			return struct{}{}, err
		}
		select {
		case ra := <-h.pending:
			addr, mtu, cone, err := parseRA(ra)
			if err != nil {
				return struct{}{}, err
			}
			if h.cfg.OnQualified != nil {
				h.cfg.OnQualified(addr, mtu, cone)
			}
			return struct{}{}, nil
		case <-time.After(h.cfg.Timeout):
			return struct{}{}, fmt.Errorf("maintenance: timed out waiting for router advertisement")
		case <-ctx.Done():
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(h.cfg.Retries)),
	)
	return err
}

// sendSolicitation sends a bubble from :: to ff02::2 whose authentication
// header carries a fresh nonce and an empty authenticator, to the primary
// server's port 3544. The IPv6 part is a bare header; no ICMPv6 Router
// Solicitation message follows it.
func (h *Handshake) sendSolicitation() error {
	h.mu.Lock()
	binary.BigEndian.PutUint64(h.nonce[:], uint64(time.Now().UnixNano()))
	nonce := h.nonce
	h.mu.Unlock()

	src := net.ParseIP("::")
	dst := net.ParseIP("ff02::2") // all-routers
	pkt := wire.BuildAuthBubble(src, dst, nonce, []byte{}, make([]byte, 0))
	datagram := wire.Flatten(pkt.Build())
	return h.cfg.Send(datagram, &net.UDPAddr{IP: h.cfg.PrimaryServer, Port: 3544})
}

// looksLikeRA reports whether ip6 could plausibly be a Router
// Advertisement: ICMPv6 next-header, type 134.
func looksLikeRA(ip6 []byte) bool {
	if len(ip6) < 41 {
		return false
	}
	return ip6[6] == 58 && ip6[40] == 134
}

// parseRA extracts the negotiated client address, MTU, and cone belief
// from a Router Advertisement, grounded on
// original_source/libteredo/packets.c's ParseRA. This minimal decoder reads
// the MTU option (type 5) if present and otherwise falls back to 1280.
func parseRA(ra []byte) (addr net.IP, mtu uint16, cone bool, err error) {
	if len(ra) < 56 {
		return nil, 0, false, fmt.Errorf("maintenance: RA too short")
	}
	mtu = 1280
	for i := 56; i+8 <= len(ra); {
		optType := ra[i]
		optLen := int(ra[i+1]) * 8
		if optLen == 0 {
			break
		}
		if optType == 5 && i+8 <= len(ra) {
			mtu = uint16(binary.BigEndian.Uint32(ra[i+4 : i+8]))
		}
		i += optLen
	}
	src := net.IP(append([]byte(nil), ra[8:24]...))
	cone = teredoaddr.IsCone(src)
	return src, mtu, cone, nil
}

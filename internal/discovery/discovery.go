// Package discovery implements the client-only local-peer discovery
// collaborator: a link-local multicast listener/announcer used to find
// same-LAN Teredo peers without round-tripping through a server.
//
// Grounded directly on mcastrelay/internal/multicast/listener.go's
// join-group/read-loop shape.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// DefaultGroup and DefaultPort are the local-discovery multicast group and port. Teredo's
// discovery traffic rides on a link-local multicast address distinct from
// the IPv6 overlay itself; this implementation uses an IPv4 multicast
// group, matching how the NAT-bound UDP transport actually carries it.
var DefaultGroup = net.IPv4(224, 0, 0, 252)

const DefaultPort = 5353

// OnBubble is invoked for each discovery bubble received from iface/src.
type OnBubble func(src *net.UDPAddr, payload []byte)

// Config configures an Announcer.
type Config struct {
	Interface *net.Interface
	Group     net.IP
	Port      int
	Logger    *slog.Logger
	OnBubble  OnBubble
}

func (c *Config) validate() {
	if c.Group == nil {
		c.Group = DefaultGroup
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Announcer joins the local-discovery multicast group, broadcasts bubbles,
// and feeds received ones to Config.OnBubble.
type Announcer struct {
	cfg  Config
	conn *net.UDPConn
	pc4  *ipv4.PacketConn

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Announcer bound to the discovery group.
func New(cfg Config) (*Announcer, error) {
	cfg.validate()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("discovery: listen: %w", err)
	}
	pc4 := ipv4.NewPacketConn(conn)
	if err := pc4.JoinGroup(cfg.Interface, &net.UDPAddr{IP: cfg.Group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("discovery: join group: %w", err)
	}
	_ = pc4.SetMulticastTTL(1)
	_ = pc4.SetMulticastLoopback(true)

	return &Announcer{cfg: cfg, conn: conn, pc4: pc4}, nil
}

// Start launches the receive loop in the background.
func (a *Announcer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
	return nil
}

// Stop cancels the receive loop, waits for it to exit, and closes the
// socket.
func (a *Announcer) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.conn.Close()
}

// SendBubble broadcasts a discovery bubble for targetIPv6 to the group.
func (a *Announcer) SendBubble(targetIPv6 net.IP) error {
	payload := append([]byte{0x60, 0, 0, 0, 0, 0, 59, 0}, targetIPv6.To16()...)
	_, err := a.conn.WriteToUDP(payload, &net.UDPAddr{IP: a.cfg.Group, Port: a.cfg.Port})
	return err
}

func (a *Announcer) run(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := a.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.cfg.Logger.Warn("discovery: read error", "error", err)
			continue
		}
		if a.cfg.OnBubble != nil {
			payload := append([]byte(nil), buf[:n]...)
			a.cfg.OnBubble(src, payload)
		}
	}
}

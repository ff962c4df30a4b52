package tunnel

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teredo-go/teredo/internal/clock"
)

// Role tags whether a Tunnel operates as a relay or a client (spec §9
// design note: "polymorphism between client and relay" modeled as a tagged
// variant rather than inheritance).
type Role int

const (
	RoleRelay Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "relay"
}

// RecvCallback receives a decapsulated inner IPv6 packet.
type RecvCallback func(ip6 []byte)

// ICMPv6Callback receives a built (but unchecksummed) ICMPv6 message
// destined for target.
type ICMPv6Callback func(icmp6 []byte, target net.IP)

// StateUpCallback notifies the caller that qualification succeeded.
type StateUpCallback func(addr net.IP, mtu uint16)

// StateDownCallback notifies the caller that qualification was lost.
type StateDownCallback func()

// Config configures a Tunnel. Fields left zero are filled with defaults by
// Validate, following the ManagerConfig pattern used throughout this
// codebase's ancestry.
type Config struct {
	BindIPv4 net.IP
	BindPort uint16

	Role Role

	// Relay-only.
	ConeFlag bool

	// Client-only.
	PrimaryServer   net.IP
	SecondaryServer net.IP
	LocalDiscovery  bool

	// ConeSupport gates the "cone Teredo peer" transmit fast path (spec
	// §4.5: "if cone support enabled"), mirroring the original's
	// LIBTEREDO_ALLOW_CONE compile flag. It is keyed on the destination
	// peer's own cone bit (teredoaddr.IsCone(dst)), not on our tunnel's
	// cone belief. Zero value (false) disables the fast path; callers
	// that want it enable it explicitly (see cmd/teredo-tunnel's
	// --cone-support flag, which defaults on).
	ConeSupport bool

	TeredoPrefix uint32 // default 0x20010000, the standard Teredo /32

	ValidLifetime    time.Duration // default 30s relay, 600s client
	MaxPeers         uint64        // default MaxPeers
	ICMPRatePerSec   int           // default 1000/ratelimit.DefaultRateMs
	QualificationTimeout time.Duration // default 5s
	QualificationRetries int           // default 3

	Logger   *slog.Logger
	Clock    clock.Clock
	Registry *prometheus.Registry

	OnRecv      RecvCallback
	OnICMPv6    ICMPv6Callback
	OnStateUp   StateUpCallback
	OnStateDown StateDownCallback
}

// Validate fills defaults and rejects invalid combinations, mirroring the
// Config+Validate() convention used for long-lived network components in
// this codebase.
func (c *Config) Validate() error {
	if c.BindIPv4 == nil {
		c.BindIPv4 = net.IPv4zero
	}
	if c.TeredoPrefix == 0 {
		c.TeredoPrefix = DefaultTeredoPrefix
	}
	if c.ValidLifetime == 0 {
		if c.Role == RoleClient {
			c.ValidLifetime = 600 * time.Second
		} else {
			c.ValidLifetime = 30 * time.Second
		}
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = MaxPeersDefault
	}
	if c.ICMPRatePerSec == 0 {
		c.ICMPRatePerSec = DefaultICMPRatePerSec
	}
	if c.QualificationTimeout == 0 {
		c.QualificationTimeout = 5 * time.Second
	}
	if c.QualificationRetries == 0 {
		c.QualificationRetries = 3
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}

	if c.Role == RoleClient {
		if c.PrimaryServer == nil {
			return fmt.Errorf("tunnel: client mode requires a primary server: %w", ErrConfigurationRefused)
		}
	}
	return nil
}

// MaxPeersDefault and DefaultICMPRatePerSec are re-exported defaults so
// callers can reference them without importing the peer/ratelimit
// packages directly.
const (
	MaxPeersDefault       = 1024
	DefaultICMPRatePerSec = 10

	// DefaultTeredoPrefix is 2001:0000::/32, the IANA-assigned Teredo
	// prefix.
	DefaultTeredoPrefix uint32 = 0x20010000

	// TeredoServerPort is the well-known Teredo server UDP port.
	TeredoServerPort uint16 = 3544
)

package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/teredo-go/teredo/internal/authhmac"
	"github.com/teredo-go/teredo/internal/clock"
	"github.com/teredo-go/teredo/internal/peer"
	"github.com/teredo-go/teredo/internal/teredoaddr"
	"github.com/teredo-go/teredo/internal/wire"
)

func newTestTunnel(t *testing.T, role Role) *Tunnel {
	t.Helper()
	fc := clock.NewFake()
	cfg := Config{
		BindIPv4: net.IPv4(127, 0, 0, 1),
		Role:     role,
		Clock:    fc,
	}
	if role == RoleClient {
		cfg.PrimaryServer = net.IPv4(65, 54, 227, 120)
	}
	tu, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tu.Destroy() })
	return tu
}

func bareIP6Packet(t *testing.T, src, dst string) []byte {
	t.Helper()
	hdr := make([]byte, 40)
	hdr[0] = 0x60
	copy(hdr[8:24], net.ParseIP(src).To16())
	copy(hdr[24:40], net.ParseIP(dst).To16())
	return hdr
}

// TestTrustedFastPath exercises the trusted/valid fast path: a pre-inserted
// trusted peer with a known mapping gets its packet forwarded verbatim.
func TestTrustedFastPath(t *testing.T) {
	tu := newTestTunnel(t, RoleRelay)

	peerConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peerConn.Close()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	dst := "2001:0:4136:e378:8000:63bf:3fff:fdd2"
	entry, _ := tu.peers.Upsert(dst)
	entry.Trusted = true
	entry.MappedIPv4 = peerAddr.IP
	entry.MappedPort = uint16(peerAddr.Port)
	entry.LastRx = tu.now()
	tu.peers.Release(entry)

	pkt := bareIP6Packet(t, "2001:db8::1", dst)
	require.NoError(t, tu.Transmit(pkt))

	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, pkt, buf[:n])

	got := tu.peers.Lookup(dst)
	require.NotNil(t, got)
	require.Equal(t, tu.now(), got.LastTx)
	tu.peers.Release(got)
}

func TestTransmitDropsMulticastDestination(t *testing.T) {
	tu := newTestTunnel(t, RoleRelay)
	pkt := bareIP6Packet(t, "2001:db8::1", "ff02::1")
	require.NoError(t, tu.Transmit(pkt))
}

func TestTransmitClientNotQualifiedEmitsUnreach(t *testing.T) {
	tu := newTestTunnel(t, RoleClient)

	var gotTarget net.IP
	tu.SetICMPv6Callback(func(icmp6 []byte, target net.IP) {
		gotTarget = target
	})

	pkt := bareIP6Packet(t, "2001:db8::1", "2001:db8::2")
	require.NoError(t, tu.Transmit(pkt))
	require.NotNil(t, gotTarget)
	require.True(t, gotTarget.Equal(net.ParseIP("2001:db8::1")))
}

func TestTransmitRelayRejectsNonTeredoDestination(t *testing.T) {
	tu := newTestTunnel(t, RoleRelay)

	var called bool
	tu.SetICMPv6Callback(func([]byte, net.IP) { called = true })

	pkt := bareIP6Packet(t, "2001:db8::1", "2001:db8::2")
	require.NoError(t, tu.Transmit(pkt))
	require.True(t, called)
}

// TestNotifyQualifiedFlipsSnapshotAndResetsPeers exercises the wiring a
// maintenance collaborator relies on: NotifyQualified must flip the
// qualification snapshot up and reset the peer table (spec §3, §4.3).
func TestNotifyQualifiedFlipsSnapshotAndResetsPeers(t *testing.T) {
	tu := newTestTunnel(t, RoleClient)

	entry, _ := tu.peers.Upsert("2001:db8::dead")
	tu.peers.Release(entry)
	require.Equal(t, 1, tu.peers.Len())

	var gotAddr net.IP
	var gotMTU uint16
	tu.SetStateCallback(func(addr net.IP, mtu uint16) {
		gotAddr = addr
		gotMTU = mtu
	}, nil)

	tu.NotifyQualified(net.ParseIP("2001:db8:1234::1"), 1280, false)

	q := tu.snapshotQualification()
	require.True(t, q.up)
	require.True(t, q.addr.Equal(net.ParseIP("2001:db8:1234::1")))
	require.Equal(t, uint16(1280), q.mtu)
	require.True(t, gotAddr.Equal(net.ParseIP("2001:db8:1234::1")))
	require.Equal(t, uint16(1280), gotMTU)
	require.Equal(t, 0, tu.peers.Len())

	var lostCalled bool
	tu.SetStateCallback(nil, func() { lostCalled = true })
	tu.NotifyLost()
	require.False(t, tu.snapshotQualification().up)
	require.True(t, lostCalled)
}

// TestTransmitColdRestrictedPeerSendsDirectBubble covers scenario 2: a
// qualified, restricted (non-cone) client transmitting to a brand-new,
// non-cone Teredo peer must enqueue the packet and emit a bubble rather
// than sending or dropping immediately.
func TestTransmitColdRestrictedPeerSendsDirectBubble(t *testing.T) {
	tu := newTestTunnel(t, RoleClient)
	tu.NotifyQualified(net.ParseIP("2001:db8:1234::1"), 1280, false)

	peerConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peerConn.Close()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	serverIPv4 := net.IPv4(198, 51, 100, 5)
	dst := teredoaddr.Compose(tu.cfg.TeredoPrefix, teredoaddr.IPv4ToUint32(serverIPv4), 0,
		teredoaddr.IPv4ToUint32(peerAddr.IP.To4()), uint16(peerAddr.Port))

	pkt := bareIP6Packet(t, "2001:db8::1", dst.String())
	require.NoError(t, tu.Transmit(pkt))

	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, 40, n)
	require.Equal(t, byte(0x60), buf[0])

	got := tu.peers.Lookup(dst.String())
	require.NotNil(t, got)
	require.Equal(t, uint8(1), got.Bubbles)
	tu.peers.Release(got)
}

// TestTransmitBubbleBudgetExhaustionEmitsUnreach covers scenario 3: once a
// peer's bubble budget is exhausted inside the 300-second window, further
// transmit attempts must emit an ICMPv6 Destination Unreachable instead of
// flooding more bubbles.
func TestTransmitBubbleBudgetExhaustionEmitsUnreach(t *testing.T) {
	tu := newTestTunnel(t, RoleClient)
	fc, ok := tu.cfg.Clock.(*clock.FakeClock)
	require.True(t, ok)
	tu.NotifyQualified(net.ParseIP("2001:db8:1234::1"), 1280, false)

	serverIPv4 := net.IPv4(198, 51, 100, 5)
	peerIPv4 := net.IPv4(127, 0, 0, 1)
	dst := teredoaddr.Compose(tu.cfg.TeredoPrefix, teredoaddr.IPv4ToUint32(serverIPv4), 0,
		teredoaddr.IPv4ToUint32(peerIPv4), 4000)
	pkt := bareIP6Packet(t, "2001:db8::1", dst.String())

	var icmpCount int
	var lastTarget net.IP
	tu.SetICMPv6Callback(func(_ []byte, target net.IP) {
		icmpCount++
		lastTarget = target
	})

	for i := 0; i < peer.MaxBubbles; i++ {
		require.NoError(t, tu.Transmit(pkt))
		fc.Advance(3 * time.Second)
	}
	require.NoError(t, tu.Transmit(pkt))

	require.Equal(t, 1, icmpCount)
	require.True(t, lastTarget.Equal(net.ParseIP("2001:db8::1")))
}

// TestReceiveAuthenticatedPingReplyTrustsPeerAndFlushesQueue covers
// scenario 4: an HMAC-authenticated ping reply from a previously-untrusted,
// non-Teredo peer must trust the peer, record its mapped endpoint, and
// flush any outbound packets queued while validation was pending.
func TestReceiveAuthenticatedPingReplyTrustsPeerAndFlushesQueue(t *testing.T) {
	tu := newTestTunnel(t, RoleClient)
	tu.NotifyQualified(net.ParseIP("2001:db8:1234::1"), 1280, false)

	ourAddr := net.ParseIP("2001:db8::1")
	peerAddr := net.ParseIP("2001:db8::2")

	peerConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peerConn.Close()
	peerUDPAddr := peerConn.LocalAddr().(*net.UDPAddr)

	entry, _ := tu.peers.Upsert(peerAddr.String())
	queued := bareIP6Packet(t, ourAddr.String(), peerAddr.String())
	entry.EnqueueOut(queued)
	entry.CountPing(tu.now())
	tu.peers.Release(entry)

	auth := make([]byte, authhmac.Len)
	authhmac.Generate(ourAddr, peerAddr, auth)
	var nonce [8]byte
	replyPkt := &wire.Packet{
		Auth: &wire.AuthHeader{ID: []byte{}, Auth: auth, Nonce: nonce, Confirm: 0},
		IP6:  bareIP6Packet(t, peerAddr.String(), ourAddr.String()),
	}
	datagram := wire.Flatten(replyPkt.Build())

	require.NoError(t, tu.recvProcess(datagram, peerUDPAddr.IP.To4(), uint16(peerUDPAddr.Port)))

	got := tu.peers.Lookup(peerAddr.String())
	require.NotNil(t, got)
	require.True(t, got.Trusted)
	require.True(t, got.MappedIPv4.Equal(peerUDPAddr.IP))
	require.Equal(t, uint16(peerUDPAddr.Port), got.MappedPort)
	tu.peers.Release(got)

	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, queued, buf[:n])
}

// TestTransmitConeSupportKeyedOnDestinationCone verifies the cone fast path
// is gated on the destination peer's own cone bit, not the local tunnel's
// cone belief: a restricted (non-cone) client must still trust a
// cone-flagged peer immediately when ConeSupport is enabled.
func TestTransmitConeSupportKeyedOnDestinationCone(t *testing.T) {
	fc := clock.NewFake()
	cfg := Config{
		BindIPv4:      net.IPv4(127, 0, 0, 1),
		Role:          RoleClient,
		Clock:         fc,
		ConeSupport:   true,
		PrimaryServer: net.IPv4(65, 54, 227, 120),
	}
	tu, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tu.Destroy() })
	tu.NotifyQualified(net.ParseIP("2001:db8:1234::1"), 1280, false) // restricted ourselves

	peerConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peerConn.Close()
	peerAddr := peerConn.LocalAddr().(*net.UDPAddr)

	serverIPv4 := net.IPv4(198, 51, 100, 5)
	dst := teredoaddr.Compose(tu.cfg.TeredoPrefix, teredoaddr.IPv4ToUint32(serverIPv4), teredoaddr.FlagCone,
		teredoaddr.IPv4ToUint32(peerAddr.IP.To4()), uint16(peerAddr.Port))

	pkt := bareIP6Packet(t, "2001:db8::1", dst.String())
	require.NoError(t, tu.Transmit(pkt))

	require.NoError(t, peerConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peerConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, pkt, buf[:n])

	got := tu.peers.Lookup(dst.String())
	require.NotNil(t, got)
	require.True(t, got.Trusted)
	tu.peers.Release(got)
}

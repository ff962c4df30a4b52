package tunnel

import (
	"encoding/binary"
	"net"

	"github.com/teredo-go/teredo/internal/authhmac"
	"github.com/teredo-go/teredo/internal/teredoaddr"
	"github.com/teredo-go/teredo/internal/wire"
)

// Transmit implements the transmit classifier (spec §4.5). It is safe to
// call concurrently from any goroutine.
func (t *Tunnel) Transmit(ip6 []byte) error {
	if len(ip6) < 40 {
		return ErrResourceExhausted
	}
	src := net.IP(append([]byte(nil), ip6[8:24]...))
	dst := net.IP(append([]byte(nil), ip6[24:40]...))

	// 1. Multicast destination -> drop silently.
	if dst.IsMulticast() {
		t.metrics.PacketsDropped.WithLabelValues("multicast_dst").Inc()
		return nil
	}

	// 2. Snapshot qualification state under read lock.
	q := t.snapshotQualification()

	// 3. Client, not qualified -> ICMPv6 unreachable(addr) to source.
	if t.cfg.Role == RoleClient && !q.up {
		t.emitUnreach(wire.UnreachAddr, ip6, src)
		return nil
	}

	dstIsTeredo := isTeredoPrefixed(dst, t.cfg.TeredoPrefix)
	srcIsTeredo := isTeredoPrefixed(src, t.cfg.TeredoPrefix)

	// 4. Destination not in Teredo prefix.
	if !dstIsTeredo {
		if t.cfg.Role == RoleRelay {
			t.emitUnreach(wire.UnreachAddr, ip6, src)
			return nil
		}
		if !srcIsTeredo {
			t.emitUnreach(wire.UnreachAdmin, ip6, src)
			return nil
		}
		// Client, source Teredo, dest non-Teredo: fall through to peer
		// handling treating dst as non-Teredo (handled via server ping).
		return t.transmitToPeer(ip6, src, dst, q, false)
	}

	// 5. Destination in Teredo prefix: validate server_ipv4(dst).
	serverIP := teredoaddr.Uint32ToIPv4(teredoaddr.ServerIPv4(dst))
	if !teredoaddr.IsGloballyRoutable(serverIP) {
		t.metrics.PacketsDropped.WithLabelValues("bad_server_ipv4").Inc()
		return nil
	}

	return t.transmitToPeer(ip6, src, dst, q, true)
}

// transmitToPeer implements steps 6-7 of the transmit classifier: the
// trusted fast path, and the untrusted/new-peer branches (ping, local
// bubble, cone, restricted).
func (t *Tunnel) transmitToPeer(ip6 []byte, src, dst net.IP, q qualification, dstIsTeredo bool) error {
	key := dst.String()
	entry, _ := t.peers.Upsert(key)
	now := t.now()

	// 6. Trusted and valid -> fast path.
	if entry.Trusted && entry.Valid(now, int64(t.cfg.ValidLifetime.Seconds())) {
		entry.LastTx = now
		mappedIPv4, mappedPort := entry.MappedIPv4, entry.MappedPort
		t.peers.Release(entry)

		dstAddr := &net.UDPAddr{IP: mappedIPv4, Port: int(mappedPort)}
		if err := t.sendv([][]byte{ip6}, dstAddr); err != nil {
			t.metrics.PacketsTransmitted.WithLabelValues("send_error").Inc()
			return err
		}
		t.metrics.PacketsTransmitted.WithLabelValues("fast_path").Inc()
		return nil
	}

	// 7. Untrusted or newly created peer.
	if !dstIsTeredo {
		// Non-Teredo destination, client only: ping through our server.
		entry.EnqueueOut(ip6)
		outcome := entry.CountPing(now)
		switch outcome {
		case 0:
			serverIP := t.cfg.PrimaryServer
			t.peers.Release(entry)
			return t.sendAuthenticatedPing(src, dst, serverIP)
		case -1:
			t.peers.Release(entry)
			t.emitUnreach(wire.UnreachAddr, ip6, src)
			return nil
		default: // 1: wait
			t.peers.Release(entry)
			return nil
		}
	}

	if entry.Local && entry.Valid(now, int64(t.cfg.ValidLifetime.Seconds())) {
		// Local peer (client only), still valid.
		entry.EnqueueOut(ip6)
		outcome := entry.CountBubble(now)
		mappedIPv4, mappedPort := entry.MappedIPv4, entry.MappedPort
		t.peers.Release(entry)
		switch outcome {
		case 0:
			t.metrics.BubblesSent.Inc()
			if mappedIPv4 != nil {
				_ = t.sendv(wire.BuildPlainBubble(src, dst).Build(), &net.UDPAddr{IP: mappedIPv4, Port: int(mappedPort)})
			}
			if t.discovery != nil {
				_ = t.discovery.SendBubble(dst)
			}
			return nil
		case -1:
			t.emitUnreach(wire.UnreachAddr, ip6, src)
			return nil
		default:
			return nil
		}
	}

	if t.cfg.ConeSupport && teredoaddr.IsCone(dst) {
		// Cone Teredo peer (spec §4.5: gated by cone support being
		// enabled, keyed on the destination peer's own cone bit, not
		// ours): trust immediately.
		entry.Trusted = true
		entry.Bubbles = 0
		mappedIPv4 := teredoaddr.Uint32ToIPv4(teredoaddr.ClientIPv4(dst))
		mappedPort := teredoaddr.ClientPort(dst)
		entry.MappedIPv4 = mappedIPv4
		entry.MappedPort = mappedPort
		entry.LastTx = now
		t.peers.Release(entry)
		return t.sendv([][]byte{ip6}, &net.UDPAddr{IP: mappedIPv4, Port: int(mappedPort)})
	}

	// Non-cone Teredo peer.
	entry.EnqueueOut(ip6)
	outcome := entry.CountBubble(now)
	mappedIPv4 := teredoaddr.Uint32ToIPv4(teredoaddr.ClientIPv4(dst))
	mappedPort := teredoaddr.ClientPort(dst)
	serverIPv4 := teredoaddr.Uint32ToIPv4(teredoaddr.ServerIPv4(dst))
	t.peers.Release(entry)

	switch outcome {
	case 0:
		t.metrics.BubblesSent.Inc()
		if !q.cone {
			// Indirect bubble via the peer's server, opens return path.
			linkLocalSrc := net.ParseIP("fe80::ffff:ffff:ffff:ffff")
			indirect := wire.BuildPlainBubble(linkLocalSrc, dst)
			_ = t.sendv(indirect.Build(), &net.UDPAddr{IP: serverIPv4, Port: int(TeredoServerPort)})
		}
		direct := wire.BuildPlainBubble(src, dst)
		return t.sendv(direct.Build(), &net.UDPAddr{IP: mappedIPv4, Port: int(mappedPort)})
	case -1:
		t.emitUnreach(wire.UnreachAddr, ip6, src)
		return nil
	default:
		return nil
	}
}

// sendAuthenticatedPing sends the ping for (src, dst) to the peer via
// serverIP:3544 (spec §4.5 step 7, ping branch). The ping is a bubble (a
// bare IPv6 header with no ICMPv6 message) whose authentication header
// carries hmac(src, dst) as its authenticator and the current second as its
// nonce; no ICMPv6 Echo Request is built.
func (t *Tunnel) sendAuthenticatedPing(src, dst, serverIP net.IP) error {
	t.metrics.PingsSent.Inc()
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, uint64(t.now()))
	auth := make([]byte, authhmac.Len)
	// authenticate over (src, dst) per spec §4.2/§4.6 CheckPing.
	authhmac.Generate(src, dst, auth)

	var nonce [8]byte
	copy(nonce[:], id)
	pkt := wire.BuildAuthBubble(src, dst, nonce, []byte{}, auth)
	return t.sendv(pkt.Build(), &net.UDPAddr{IP: serverIP, Port: int(TeredoServerPort)})
}

// emitUnreach rate-limits and emits an ICMPv6 Destination Unreachable for
// the offending packet, targeted back at originator.
func (t *Tunnel) emitUnreach(code wire.UnreachCode, offending []byte, originator net.IP) {
	body := wire.BuildUnreach(code, offending)
	if body == nil {
		return
	}
	if !t.limiter.Allow() {
		t.metrics.ICMPv6RateLimited.Inc()
		return
	}
	t.cbMu.RLock()
	cb := t.onICMPv6
	t.cbMu.RUnlock()
	if cb != nil {
		cb(body, originator)
	}
	t.metrics.ICMPv6Emitted.WithLabelValues(codeLabel(code)).Inc()
}

func codeLabel(c wire.UnreachCode) string {
	switch c {
	case wire.UnreachAddr:
		return "addr"
	case wire.UnreachAdmin:
		return "admin"
	case wire.UnreachPort:
		return "port"
	default:
		return "no_route"
	}
}

func isTeredoPrefixed(addr net.IP, prefix uint32) bool {
	a := addr.To16()
	if a == nil || len(a) != teredoaddr.Len {
		return false
	}
	return teredoaddr.Prefix(a) == prefix
}

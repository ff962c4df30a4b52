package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/teredo-go/teredo/internal/authhmac"
	"github.com/teredo-go/teredo/internal/peer"
	"github.com/teredo-go/teredo/internal/teredoaddr"
	"github.com/teredo-go/teredo/internal/wire"
)

// recvLoop is the dedicated receive thread (spec §5). It polls with a
// short read deadline so the atomic shutdown flag (ctx.Done) is checked
// frequently, grounded on the teacher's Receiver.Run pattern.
func (t *Tunnel) recvLoop(ctx context.Context) error {
	t.cfg.Logger.Debug("tunnel: recv loop started", "role", t.cfg.Role)
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := t.sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.metrics.RecvLoopErrors.Inc()
			continue
		}

		n, peerAddr, err := t.sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			t.metrics.RecvLoopErrors.Inc()
			t.cfg.Logger.Warn("tunnel: recv error", "error", err)
			continue
		}
		if n == 0 {
			// Self-wakeup datagram from Destroy, or a genuinely empty
			// packet; either way there is nothing to process.
			continue
		}

		srcIPv4 := peerAddr.IP.To4()
		srcPort := uint16(peerAddr.Port)
		if err := t.recvProcess(buf[:n], srcIPv4, srcPort); err != nil {
			t.cfg.Logger.Debug("tunnel: recv_process error", "error", err)
		}
	}
}

// recvProcess implements the receive classifier (spec §4.6).
func (t *Tunnel) recvProcess(datagram []byte, srcIPv4 net.IP, srcPort uint16) error {
	pkt, err := wire.Parse(datagram)
	if err != nil {
		t.metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		return fmt.Errorf("tunnel: %w", err)
	}

	// 1. Discard if IPv6 header missing / version != 6 / length exceeds
	// datagram.
	if _, err := wire.DecodeIP6Header(pkt.IP6); err != nil {
		t.metrics.PacketsDropped.WithLabelValues("bad_ip6_header").Inc()
		return nil
	}

	ipSrc := net.IP(append([]byte(nil), pkt.IP6[8:24]...))
	ipDst := net.IP(append([]byte(nil), pkt.IP6[24:40]...))
	isBubble := binary.BigEndian.Uint16(pkt.IP6[4:6]) == 0

	isClient := t.cfg.Role == RoleClient

	// 2. Client only: offer to maintenance.
	if isClient {
		q := t.snapshotQualification()
		if t.maintenance != nil {
			if handled := t.maintenance.Offer(srcIPv4, srcPort, pkt.IP6); handled {
				return nil
			}
		}
		if !q.up {
			t.metrics.PacketsDropped.WithLabelValues("not_qualified").Inc()
			return nil
		}
	}

	// 3. Client only, source is our server.
	if isClient && t.cfg.PrimaryServer != nil && srcIPv4.Equal(t.cfg.PrimaryServer) {
		if isBubble && isTeredoPrefixed(ipSrc, t.cfg.TeredoPrefix) && pkt.Origin == nil {
			if teredoaddr.IsGloballyRoutable(srcIPv4) {
				reply := wire.BuildPlainBubble(ipDst, ipSrc)
				_ = t.sendv(reply.Build(), &net.UDPAddr{IP: srcIPv4, Port: int(srcPort)})
			}
			if isBubble {
				return nil
			}
		}
	}

	// 4. Client only: drop link-local-sourced packets.
	if isClient && ipSrc.IsLinkLocalUnicast() {
		t.metrics.PacketsDropped.WithLabelValues("link_local_src").Inc()
		return nil
	}

	// 5. Relay only: drop if source is not Teredo-prefixed.
	if !isClient && !isTeredoPrefixed(ipSrc, t.cfg.TeredoPrefix) {
		t.metrics.PacketsDropped.WithLabelValues("not_teredo_src").Inc()
		return nil
	}

	// 6. Look up peer by source address.
	key := ipSrc.String()
	entry := t.peers.Lookup(key)

	// 7. Client only — local discovery bubble acceptance.
	if isClient && entry == nil && isBubble && t.isLocalSource(ipSrc, srcIPv4) {
		entry, _ = t.peers.Upsert(key)
		entry.MarkLocal()
		entry.LastRx = t.now()
		outcome := entry.CountBubble(t.now())
		mappedIPv4, mappedPort := srcIPv4, srcPort
		entry.MappedIPv4 = mappedIPv4
		entry.MappedPort = mappedPort
		t.peers.Release(entry)
		if outcome == 0 {
			reply := wire.BuildPlainBubble(ipDst, ipSrc)
			_ = t.sendv(reply.Build(), &net.UDPAddr{IP: mappedIPv4, Port: int(mappedPort)})
		}
		return nil
	}

	// 8. Drop multicast-destined packets.
	if ipDst.IsMulticast() {
		if entry != nil {
			t.peers.Release(entry)
		}
		t.metrics.PacketsDropped.WithLabelValues("multicast_dst").Inc()
		return nil
	}

	if entry == nil {
		return t.recvUnknownSource(pkt, ipSrc, ipDst, srcIPv4, srcPort, isBubble, isClient)
	}

	// 9. Trusted match (Case 1).
	if entry.Trusted && entry.MappedIPv4.Equal(srcIPv4) && entry.MappedPort == srcPort {
		entry.LastRx = t.now()
		entry.ResetValidation()
		queued := entry.DrainOut()
		mappedIPv4, mappedPort := entry.MappedIPv4, entry.MappedPort
		t.peers.Release(entry)
		for _, q := range queued {
			_ = t.sendv([][]byte{q}, &net.UDPAddr{IP: mappedIPv4, Port: int(mappedPort)})
		}
		t.deliverRecv(pkt, isBubble)
		return nil
	}

	// 10. Client only — authenticated ping reply (Case 2).
	if isClient && t.checkPing(pkt, ipSrc, ipDst) {
		entry.Trusted = true
		entry.MappedIPv4 = srcIPv4
		entry.MappedPort = srcPort
		entry.LastRx = t.now()
		entry.ResetValidation()
		queued := entry.DrainOut()
		t.peers.Release(entry)
		for _, q := range queued {
			_ = t.sendv([][]byte{q}, &net.UDPAddr{IP: srcIPv4, Port: int(srcPort)})
		}
		return nil
	}

	// 11. Teredo-sourced untrusted reply.
	caseMatch := false
	if isTeredoPrefixed(ipSrc, t.cfg.TeredoPrefix) {
		embeddedIPv4 := teredoaddr.Uint32ToIPv4(teredoaddr.ClientIPv4(ipSrc))
		embeddedPort := teredoaddr.ClientPort(ipSrc)
		if embeddedIPv4.Equal(srcIPv4) && embeddedPort == srcPort {
			caseMatch = true // Case 3
		}
	}
	if entry.Local && entry.MappedIPv4.Equal(srcIPv4) && entry.MappedPort == srcPort {
		caseMatch = true // Case 5
	}
	if isBubble && t.checkBubble(pkt, ipSrc, ipDst) {
		caseMatch = true
	}
	if caseMatch {
		entry.Trusted = true
		entry.MappedIPv4 = srcIPv4
		entry.MappedPort = srcPort
		entry.LastRx = t.now()
		queued := entry.DrainOut()
		t.peers.Release(entry)
		for _, q := range queued {
			_ = t.sendv([][]byte{q}, &net.UDPAddr{IP: srcIPv4, Port: int(srcPort)})
		}
		if !isBubble {
			t.deliverRecv(pkt, isBubble)
		}
		return nil
	}

	t.peers.Release(entry)
	t.metrics.PacketsDropped.WithLabelValues("unclassified").Inc()
	return nil
}

// recvUnknownSource handles step 12/13 when no peer entry exists yet.
func (t *Tunnel) recvUnknownSource(pkt *wire.Packet, ipSrc, ipDst net.IP, srcIPv4 net.IP, srcPort uint16, isBubble, isClient bool) error {
	if isClient && !isTeredoPrefixed(ipSrc, t.cfg.TeredoPrefix) {
		// 12. Non-Teredo unknown source (Case 6).
		entry, _ := t.peers.Upsert(ipSrc.String())
		entry.EnqueueIn(peer.Inbound{Payload: pkt.IP6, SourceIPv4: srcIPv4, SourcePort: srcPort})
		entry.LastRx = t.now()
		entry.CountPing(t.now())
		serverIP := t.cfg.PrimaryServer
		t.peers.Release(entry)
		if serverIP != nil {
			return t.sendAuthenticatedPing(ipDst, ipSrc, serverIP)
		}
		return nil
	}
	t.metrics.PacketsDropped.WithLabelValues("unknown_source").Inc()
	return nil
}

// deliverRecv invokes the receive callback for a non-bubble payload.
func (t *Tunnel) deliverRecv(pkt *wire.Packet, isBubble bool) {
	if isBubble {
		return
	}
	t.cbMu.RLock()
	cb := t.onRecv
	t.cbMu.RUnlock()
	if cb != nil {
		cb(pkt.IP6)
	}
	t.metrics.PacketsReceived.WithLabelValues("delivered").Inc()
}

// isLocalSource reports whether a Teredo-prefixed source embeds the same
// client IPv4 as our own Teredo address and arrived from a non-global
// (private-network) source IPv4, the "local" qualification used for
// same-LAN discovery bubbles (spec §4.6 step 7).
func (t *Tunnel) isLocalSource(ipSrc net.IP, srcIPv4 net.IP) bool {
	if !isTeredoPrefixed(ipSrc, t.cfg.TeredoPrefix) {
		return false
	}
	if srcIPv4 == nil || srcIPv4.IsUnspecified() {
		return false
	}
	q := t.snapshotQualification()
	if q.addr.To16() == nil || teredoaddr.ClientIPv4(ipSrc) != teredoaddr.ClientIPv4(q.addr) {
		return false
	}
	return !teredoaddr.IsGloballyRoutable(srcIPv4)
}

// checkBubble authenticates a bubble via its authentication header HMAC or
// (for indirect bubbles) the server-signed origin indication.
func (t *Tunnel) checkBubble(pkt *wire.Packet, ipSrc, ipDst net.IP) bool {
	if pkt.Auth != nil {
		return authhmac.Verify(ipSrc, ipDst, pkt.Auth.Auth)
	}
	if pkt.Origin != nil {
		return teredoaddr.IsGloballyRoutable(pkt.Origin.IPv4)
	}
	return false
}

// checkPing authenticates a ping reply by verifying that the authenticator
// in the packet's authentication header equals hmac(dst, src), the value
// sendAuthenticatedPing sent for the reverse direction. It does not inspect
// the ICMPv6 type or an Echo Reply id+sequence field.
func (t *Tunnel) checkPing(pkt *wire.Packet, ipSrc, ipDst net.IP) bool {
	if pkt.Auth == nil {
		return false
	}
	return authhmac.Verify(ipDst, ipSrc, pkt.Auth.Auth)
}

// Package wire parses and emits Teredo-framed UDP payloads: the optional
// authentication header, the optional origin-indication header, and the
// encapsulated IPv6 packet.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
)

// ErrMalformed is returned when a Teredo UDP payload cannot be parsed
// because an announced length runs past the datagram, or no recognizable
// header/IPv6 packet is found.
var ErrMalformed = errors.New("wire: malformed teredo datagram")

const (
	markerByte    = 0x00
	authType      = 0x01
	originType    = 0x00
	ipv6VersionNibble = 0x6
)

// AuthHeader is the optional authentication header: a client identifier, an
// authenticator, an 8-byte nonce, and a one-byte confirmation flag.
type AuthHeader struct {
	ID      []byte
	Auth    []byte
	Nonce   [8]byte
	Confirm byte
}

// OriginIndication carries the peer's IPv4:port as seen by a server,
// de-obfuscated.
type OriginIndication struct {
	IPv4 net.IP
	Port uint16
}

// Packet is the parsed form of a Teredo UDP payload.
type Packet struct {
	Auth   *AuthHeader
	Origin *OriginIndication
	IP6    []byte // the encapsulated IPv6 packet, unmodified
}

// Parse decodes a Teredo UDP payload. It never reads past len(datagram)
// and fails with ErrMalformed (wrapped with context) on any inconsistency.
func Parse(datagram []byte) (*Packet, error) {
	pkt := &Packet{}
	rest := datagram

	if len(rest) >= 4 && rest[0] == markerByte && rest[1] == authType {
		idLen := int(rest[2])
		auLen := int(rest[3])
		need := 4 + idLen + auLen + 8 + 1
		if len(rest) < need {
			return nil, fmt.Errorf("%w: auth header truncated", ErrMalformed)
		}
		ah := &AuthHeader{}
		ah.ID = append([]byte{}, rest[4:4+idLen]...)
		ah.Auth = append([]byte{}, rest[4+idLen:4+idLen+auLen]...)
		copy(ah.Nonce[:], rest[4+idLen+auLen:4+idLen+auLen+8])
		ah.Confirm = rest[4+idLen+auLen+8]
		pkt.Auth = ah
		rest = rest[need:]
	}

	if len(rest) >= 8 && rest[0] == markerByte && rest[1] == originType {
		oi := &OriginIndication{}
		port := binary.BigEndian.Uint16(rest[2:4])
		ip4 := binary.BigEndian.Uint32(rest[4:8])
		oi.Port = ^port
		oi.IPv4 = make(net.IP, 4)
		binary.BigEndian.PutUint32(oi.IPv4, ^ip4)
		pkt.Origin = oi
		rest = rest[8:]
	}

	if len(rest) == 0 || rest[0]>>4 != ipv6VersionNibble {
		return nil, fmt.Errorf("%w: no ipv6 packet found", ErrMalformed)
	}
	pkt.IP6 = rest
	return pkt, nil
}

// DecodeIP6Header decodes the IPv6 header at the start of ip6, rejecting a
// header shorter than 40 bytes, a version other than 6, and a payload length
// that runs past ip6. A non-zero payload length is decoded with gopacket's
// IPv6 layer; a zero payload length (a bubble) is decoded here directly,
// since gopacket reads a zero length as a jumbogram and rejects it.
func DecodeIP6Header(ip6 []byte) (*layers.IPv6, error) {
	if len(ip6) < 40 {
		return nil, fmt.Errorf("%w: ipv6 packet shorter than header", ErrMalformed)
	}
	if v := ip6[0] >> 4; v != ipv6VersionNibble {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, v)
	}
	plen := int(binary.BigEndian.Uint16(ip6[4:6]))
	if 40+plen > len(ip6) {
		return nil, fmt.Errorf("%w: payload length %d exceeds datagram", ErrMalformed, plen)
	}
	if plen == 0 {
		return &layers.IPv6{Version: 6, NextHeader: layers.IPProtocol(ip6[6]), HopLimit: ip6[7],
			SrcIP: net.IP(ip6[8:24]), DstIP: net.IP(ip6[24:40])}, nil
	}
	l := &layers.IPv6{}
	if err := l.DecodeFromBytes(ip6, noopDecodeFeedback{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if l.Version != 6 {
		return nil, fmt.Errorf("%w: version %d", ErrMalformed, l.Version)
	}
	return l, nil
}

type noopDecodeFeedback struct{}

func (noopDecodeFeedback) SetTruncated() {}

// Build renders pkt back into wire form as a scatter-gather vector of byte
// slices, avoiding an intermediate copy of the (usually large) IP6 slice.
func (p *Packet) Build() [][]byte {
	var parts [][]byte
	if p.Auth != nil {
		hdr := make([]byte, 4)
		hdr[0] = markerByte
		hdr[1] = authType
		hdr[2] = byte(len(p.Auth.ID))
		hdr[3] = byte(len(p.Auth.Auth))
		parts = append(parts, hdr, p.Auth.ID, p.Auth.Auth, p.Auth.Nonce[:], []byte{p.Auth.Confirm})
	}
	if p.Origin != nil {
		hdr := make([]byte, 8)
		hdr[0] = markerByte
		hdr[1] = originType
		binary.BigEndian.PutUint16(hdr[2:4], ^p.Origin.Port)
		v4 := p.Origin.IPv4.To4()
		var ipv4 uint32
		if v4 != nil {
			ipv4 = binary.BigEndian.Uint32(v4)
		}
		binary.BigEndian.PutUint32(hdr[4:8], ^ipv4)
		parts = append(parts, hdr)
	}
	parts = append(parts, p.IP6)
	return parts
}

// Flatten concatenates Build's scatter-gather vector into a single buffer,
// used by callers (tests, UDP send paths without vectored I/O support) that
// need one contiguous datagram.
func Flatten(parts [][]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// BuildAuthBubble constructs a bubble (zero-payload Teredo packet) carrying
// an authentication header with the given nonce, addressed logically by
// src/dst (the IP6 payload is the minimal 40-byte IPv6 header with no
// upper-layer payload).
func BuildAuthBubble(src, dst net.IP, nonce [8]byte, id, auth []byte) *Packet {
	return &Packet{
		Auth: &AuthHeader{ID: id, Auth: auth, Nonce: nonce, Confirm: 0},
		IP6:  buildBareIP6Header(src, dst, 0, 0),
	}
}

// BuildPlainBubble constructs an unauthenticated bubble: a bare IPv6 header
// with no extension headers and no payload.
func BuildPlainBubble(src, dst net.IP) *Packet {
	return &Packet{IP6: buildBareIP6Header(src, dst, 0, 0)}
}

func buildBareIP6Header(src, dst net.IP, nextHeader byte, payloadLen uint16) []byte {
	hdr := make([]byte, 40)
	hdr[0] = 0x60 // version 6, traffic class/flow label left zero
	binary.BigEndian.PutUint16(hdr[4:6], payloadLen)
	hdr[6] = nextHeader
	hdr[7] = 255 // hop limit
	copy(hdr[8:24], src.To16())
	copy(hdr[24:40], dst.To16())
	return hdr
}

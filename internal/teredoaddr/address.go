// Package teredoaddr constructs and deconstructs Teredo IPv6 addresses.
//
// Layout (16 bytes): prefix(4) | server_ipv4(4) | flags(2) | ~client_port(2) | ~client_ipv4(4)
// The client port and IPv4 are stored one's-complement obfuscated so that
// NAT devices that rewrite embedded IPv4 literals in packet bodies do not
// corrupt the address.
package teredoaddr

import (
	"encoding/binary"
	"net"
)

const (
	// FlagCone marks that the client believed it sat behind a cone NAT
	// at qualification time.
	FlagCone uint16 = 0x8000

	// Len is the byte length of a Teredo address.
	Len = 16
)

// Compose builds the 16-byte Teredo address from its constituent fields.
// clientIPv4 and clientPort are given in their plain (non-obfuscated) form;
// Compose applies the one's-complement obfuscation itself.
func Compose(prefix, serverIPv4 uint32, flags uint16, clientIPv4 uint32, clientPort uint16) net.IP {
	addr := make(net.IP, Len)
	binary.BigEndian.PutUint32(addr[0:4], prefix)
	binary.BigEndian.PutUint32(addr[4:8], serverIPv4)
	binary.BigEndian.PutUint16(addr[8:10], flags)
	binary.BigEndian.PutUint16(addr[10:12], obfuscatePort(clientPort))
	binary.BigEndian.PutUint32(addr[12:16], obfuscateIPv4(clientIPv4))
	return addr
}

// Decompose extracts prefix, server IPv4, flags, and the de-obfuscated
// client IPv4/port from a 16-byte Teredo address. It panics if addr is not
// exactly Len bytes; callers must validate length beforehand.
func Decompose(addr net.IP) (prefix, serverIPv4 uint32, flags uint16, clientIPv4 uint32, clientPort uint16) {
	a := addr.To16()
	if a == nil || len(a) != Len {
		panic("teredoaddr: Decompose requires a 16-byte address")
	}
	prefix = binary.BigEndian.Uint32(a[0:4])
	serverIPv4 = binary.BigEndian.Uint32(a[4:8])
	flags = binary.BigEndian.Uint16(a[8:10])
	clientPort = obfuscatePort(binary.BigEndian.Uint16(a[10:12]))
	clientIPv4 = obfuscateIPv4(binary.BigEndian.Uint32(a[12:16]))
	return
}

// Prefix returns the 32-bit Teredo prefix of addr.
func Prefix(addr net.IP) uint32 {
	p, _, _, _, _ := Decompose(addr)
	return p
}

// ServerIPv4 returns the server IPv4 embedded in addr.
func ServerIPv4(addr net.IP) uint32 {
	_, s, _, _, _ := Decompose(addr)
	return s
}

// ClientIPv4 returns the de-obfuscated client IPv4 embedded in addr.
func ClientIPv4(addr net.IP) uint32 {
	_, _, _, c, _ := Decompose(addr)
	return c
}

// ClientPort returns the de-obfuscated client UDP port embedded in addr.
func ClientPort(addr net.IP) uint16 {
	_, _, _, _, p := Decompose(addr)
	return p
}

// IsCone reports whether addr carries the cone flag.
func IsCone(addr net.IP) bool {
	_, _, flags, _, _ := Decompose(addr)
	return flags&FlagCone != 0
}

// obfuscatePort applies one's-complement obfuscation to a UDP port; it is
// its own inverse.
func obfuscatePort(port uint16) uint16 {
	return ^port
}

// obfuscateIPv4 applies one's-complement obfuscation to an IPv4 address; it
// is its own inverse.
func obfuscateIPv4(ip uint32) uint32 {
	return ^ip
}

// IPv4ToUint32 converts a net.IP (must hold a valid IPv4) into its 32-bit
// big-endian representation.
func IPv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIPv4 converts a 32-bit big-endian value into a net.IP (4-byte form).
func Uint32ToIPv4(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// IsGloballyRoutable reports whether ip is a plausible public IPv4 unicast
// address: not unspecified, not loopback, not link-local, not multicast,
// and not within the private RFC1918 ranges.
func IsGloballyRoutable(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.IsUnspecified() || v4.IsLoopback() || v4.IsLinkLocalUnicast() || v4.IsMulticast() || v4.IsPrivate() {
		return false
	}
	return true
}

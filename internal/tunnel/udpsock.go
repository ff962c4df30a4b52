package tunnel

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// udpSocket wraps a bound UDP/IPv4 socket, grounded on the teacher's UDP
// control-message wrapper: close-on-exec is the platform default for Go
// sockets, PMTU discovery is left at the kernel default (no
// IP_PMTUDISC_DONT is set), and sendv emits a scatter-gather vector by
// flattening it (net.UDPConn has no vectored write).
type udpSocket struct {
	conn *net.UDPConn
	pc4  *ipv4.PacketConn
}

func newUDPSocket(bindIP net.IP, port uint16) (*udpSocket, error) {
	addr := &net.UDPAddr{IP: bindIP, Port: int(port)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	pc4 := ipv4.NewPacketConn(conn)
	// No PMTU socket option is set here, so the kernel's PMTU discovery
	// default applies. The control-message flags the teacher's wrapper
	// uses are enabled; ReadFrom uses ReadFromUDP and does not read them.
	_ = pc4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst|ipv4.FlagSrc, true)
	return &udpSocket{conn: conn, pc4: pc4}, nil
}

func (s *udpSocket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *udpSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *udpSocket) ReadFrom(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// Sendv flattens parts and writes them as one datagram to dst.
func (s *udpSocket) Sendv(parts [][]byte, dst *net.UDPAddr) (int, error) {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return s.conn.WriteToUDP(buf, dst)
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

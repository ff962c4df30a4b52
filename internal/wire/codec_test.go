package wire

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func bareIP6(src, dst string) []byte {
	return buildBareIP6Header(net.ParseIP(src), net.ParseIP(dst), 0, 0)
}

func TestParseBareIP6(t *testing.T) {
	raw := bareIP6("2001:0:4136:e378:8000:63bf:3fff:fdd2", "2a00:1450:4001::1")
	pkt, err := Parse(raw)
	require.NoError(t, err)
	require.Nil(t, pkt.Auth)
	require.Nil(t, pkt.Origin)
	require.Equal(t, raw, pkt.IP6)
}

func TestParseOriginIndication(t *testing.T) {
	ip6 := bareIP6("2001:0:4136:e378:8000:63bf:3fff:fdd2", "2a00:1450:4001::1")
	pkt := &Packet{
		Origin: &OriginIndication{IPv4: net.ParseIP("192.0.2.10"), Port: 40000},
		IP6:    ip6,
	}
	raw := Flatten(pkt.Build())

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.Origin)
	require.Equal(t, uint16(40000), parsed.Origin.Port)
	require.True(t, parsed.Origin.IPv4.Equal(net.ParseIP("192.0.2.10")))
	require.Equal(t, ip6, parsed.IP6)
}

func TestParseAuthHeaderRoundTrip(t *testing.T) {
	ip6 := bareIP6("2001:0:4136:e378:8000:63bf:3fff:fdd2", "2a00:1450:4001::1")
	var nonce [8]byte
	copy(nonce[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	pkt := &Packet{
		Auth: &AuthHeader{ID: []byte{}, Auth: []byte{}, Nonce: nonce, Confirm: 0},
		IP6:  ip6,
	}
	raw := Flatten(pkt.Build())

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.Auth)
	require.Equal(t, nonce, parsed.Auth.Nonce)
	require.Equal(t, ip6, parsed.IP6)

	if diff := cmp.Diff(pkt.Auth, parsed.Auth); diff != "" {
		t.Errorf("round-tripped auth header mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMalformedTruncatedAuth(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x01, 0x05, 0x05})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseMalformedNoIP6(t *testing.T) {
	_, err := Parse([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestBuildUnreachSuppression(t *testing.T) {
	ip6 := bareIP6("2001:0:4136:e378:8000:63bf:3fff:fdd2", "2a00:1450:4001::1")

	require.Nil(t, BuildUnreach(UnreachAddr, ip6[:20])) // too short

	shortSrc := bareIP6("::", "2a00:1450:4001::1")
	require.Nil(t, BuildUnreach(UnreachAddr, shortSrc)) // unspecified source

	mcastDst := bareIP6("2001:0:4136:e378:8000:63bf:3fff:fdd2", "ff02::1")
	require.Nil(t, BuildUnreach(UnreachAddr, mcastDst))

	mcastSrc := bareIP6("ff02::1", "2a00:1450:4001::1")
	require.Nil(t, BuildUnreach(UnreachAddr, mcastSrc))

	out := BuildUnreach(UnreachAddr, ip6)
	require.NotNil(t, out)
	require.Equal(t, byte(1), out[0])
	require.Equal(t, byte(UnreachAddr), out[1])
}

func TestBuildUnreachSuppressesICMPv6Errors(t *testing.T) {
	ip6 := bareIP6("2001:0:4136:e378:8000:63bf:3fff:fdd2", "2a00:1450:4001::1")
	ip6[6] = 58 // next header ICMPv6
	withICMPType := append(ip6, 1) // type 1: destination unreachable, an error
	require.Nil(t, BuildUnreach(UnreachAddr, withICMPType))

	echoRequest := append(append([]byte(nil), ip6...), 128) // echo request, a "request" type
	require.NotNil(t, BuildUnreach(UnreachAddr, echoRequest))
}

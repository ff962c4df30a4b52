package teredoaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeDecomposeBijection(t *testing.T) {
	prefix := uint32(0x20010000)
	server := IPv4ToUint32(net.ParseIP("65.54.227.120"))
	flags := FlagCone
	clientIP := IPv4ToUint32(net.ParseIP("192.0.2.10"))
	clientPort := uint16(40000)

	addr := Compose(prefix, server, flags, clientIP, clientPort)
	require.Len(t, addr, Len)

	gotPrefix, gotServer, gotFlags, gotClientIP, gotClientPort := Decompose(addr)
	require.Equal(t, prefix, gotPrefix)
	require.Equal(t, server, gotServer)
	require.Equal(t, flags, gotFlags)
	require.Equal(t, clientIP, gotClientIP)
	require.Equal(t, clientPort, gotClientPort)
}

func TestObfuscationSelfInverse(t *testing.T) {
	require.Equal(t, uint16(40000), obfuscatePort(obfuscatePort(40000)))
	ip := IPv4ToUint32(net.ParseIP("192.0.2.10"))
	require.Equal(t, ip, obfuscateIPv4(obfuscateIPv4(ip)))
}

func TestIsCone(t *testing.T) {
	addr := Compose(0x20010000, 0, FlagCone, 0, 0)
	require.True(t, IsCone(addr))

	addr = Compose(0x20010000, 0, 0, 0, 0)
	require.False(t, IsCone(addr))
}

func TestIsGloballyRoutable(t *testing.T) {
	require.True(t, IsGloballyRoutable(net.ParseIP("65.54.227.120")))
	require.False(t, IsGloballyRoutable(net.ParseIP("127.0.0.1")))
	require.False(t, IsGloballyRoutable(net.ParseIP("192.168.1.1")))
	require.False(t, IsGloballyRoutable(net.ParseIP("0.0.0.0")))
	require.False(t, IsGloballyRoutable(net.ParseIP("224.0.0.1")))
}

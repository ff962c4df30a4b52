package authhmac

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	require.NoError(t, Init())
	defer Close()

	src := net.ParseIP("2001:0:4136:e378:8000:63bf:3fff:fdd2")
	dst := net.ParseIP("2a00:1450:4001::1")

	out := make([]byte, Len)
	Generate(src, dst, out)
	require.True(t, Verify(src, dst, out))
}

func TestVerifyFailsOnBitFlip(t *testing.T) {
	require.NoError(t, Init())
	defer Close()

	src := net.ParseIP("2001:0:4136:e378:8000:63bf:3fff:fdd2")
	dst := net.ParseIP("2a00:1450:4001::1")

	out := make([]byte, Len)
	Generate(src, dst, out)

	flipped := make([]byte, Len)
	copy(flipped, out)
	flipped[0] ^= 0x01
	require.False(t, Verify(src, dst, flipped))

	otherDst := net.ParseIP("2a00:1450:4001::2")
	require.False(t, Verify(src, otherDst, out))
}

func TestSecretChangesAcrossLifecycles(t *testing.T) {
	src := net.ParseIP("2001:0:4136:e378:8000:63bf:3fff:fdd2")
	dst := net.ParseIP("2a00:1450:4001::1")

	require.NoError(t, Init())
	first := make([]byte, Len)
	Generate(src, dst, first)
	Close()

	require.NoError(t, Init())
	second := make([]byte, Len)
	Generate(src, dst, second)
	Close()

	require.NotEqual(t, first, second)
}

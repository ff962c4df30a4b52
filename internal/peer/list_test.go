package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUpsertCreatesThenLookupFinds(t *testing.T) {
	l := New(16, time.Minute)
	defer l.Close()

	e, created := l.Upsert("peer-a")
	require.True(t, created)
	e.Trusted = true
	l.Release(e)

	found := l.Lookup("peer-a")
	require.NotNil(t, found)
	require.True(t, found.Trusted)
	l.Release(found)
}

func TestUpsertSecondCallDoesNotRecreate(t *testing.T) {
	l := New(16, time.Minute)
	defer l.Close()

	e1, created1 := l.Upsert("peer-a")
	e1.LastRx = 42
	l.Release(e1)

	e2, created2 := l.Upsert("peer-a")
	require.True(t, created1)
	require.False(t, created2)
	require.Equal(t, int64(42), e2.LastRx)
	l.Release(e2)
}

func TestLookupMissingReturnsNil(t *testing.T) {
	l := New(16, time.Minute)
	defer l.Close()

	require.Nil(t, l.Lookup("nope"))
}

func TestResetClearsEntries(t *testing.T) {
	l := New(16, time.Minute)
	defer l.Close()

	e, _ := l.Upsert("peer-a")
	l.Release(e)
	require.Equal(t, 1, l.Len())

	l.Reset(0)
	require.Equal(t, 0, l.Len())
	require.Nil(t, l.Lookup("peer-a"))
}

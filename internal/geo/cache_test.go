package geo

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

func readyCache() *Cache {
	c := New(wlog.NewDiscard())
	atomic.StoreInt32(&c.ready, 1) // no db loaded: every lookup resolves to nil (negative cache)
	return c
}

func TestGetBeforeInitReturnsError(t *testing.T) {
	c := New(wlog.NewDiscard())
	_, err := c.Get("8.8.8.8")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestNegativeCachingAndHitRate(t *testing.T) {
	c := readyCache()

	_, err := c.Get("8.8.8.8")
	require.NoError(t, err)
	_, err = c.Get("8.8.8.8")
	require.NoError(t, err)
	_, err = c.Get("192.168.1.1")
	require.NoError(t, err)
	data, err := c.Get("192.168.1.1")
	require.NoError(t, err)
	require.Nil(t, data) // cached null is a legitimate value

	m := c.Metrics()
	require.Equal(t, 2, m.Hits)
	require.Equal(t, 2, m.Misses)
	require.InDelta(t, 50.0, m.HitRatePct, 0.001)
}

func TestInvalidInputNeverCached(t *testing.T) {
	c := readyCache()
	data, err := c.Get("not-an-ip")
	require.NoError(t, err)
	require.Nil(t, data)
	require.Equal(t, 0, c.store.Len())

	data, err = c.Get("::1")
	require.NoError(t, err)
	require.Nil(t, data)
	require.Equal(t, 0, c.store.Len())
}

func TestValidIPv4Boundaries(t *testing.T) {
	require.True(t, validIPv4("255.255.255.255"))
	require.False(t, validIPv4("256.0.0.0"))
	require.False(t, validIPv4("::1"))
	require.False(t, validIPv4("8.8.8.8:53"))
}

package tsock

import (
	"errors"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfUnprivileged(t *testing.T, err error) bool {
	t.Helper()
	if err != nil && errors.Is(err, os.ErrPermission) {
		t.Skipf("requires CAP_NET_ADMIN: %v", err)
		return true
	}
	return false
}

func TestCacheGetPutReturnsSameSocketOnHit(t *testing.T) {
	c := New()
	defer c.Close()

	peer := netip.MustParseAddrPort("198.51.100.7:53")

	conn1, err := c.Get(peer)
	if skipIfUnprivileged(t, err) {
		return
	}
	require.NoError(t, err)
	c.Put()

	conn2, err := c.Get(peer)
	require.NoError(t, err)
	c.Put()

	assert.Same(t, conn1, conn2)
	assert.Equal(t, 1, c.Len())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New()
	defer c.Close()
	c.capacity = 2

	peers := []netip.AddrPort{
		netip.MustParseAddrPort("198.51.100.1:1"),
		netip.MustParseAddrPort("198.51.100.2:2"),
		netip.MustParseAddrPort("198.51.100.3:3"),
	}

	conn, err := c.Get(peers[0])
	if skipIfUnprivileged(t, err) {
		return
	}
	require.NoError(t, err)
	c.Put()
	_ = conn

	_, err = c.Get(peers[1])
	require.NoError(t, err)
	c.Put()

	// peers[0] is now LRU; fetching peers[2] should evict it.
	_, err = c.Get(peers[2])
	require.NoError(t, err)
	c.Put()

	assert.Equal(t, 2, c.Len())

	c.mu.RLock()
	_, stillCached := c.entries[peers[0]]
	c.mu.RUnlock()
	assert.False(t, stillCached, "peers[0] should have been evicted as LRU")
}

func TestCacheTouchPromotesToMRU(t *testing.T) {
	c := New()
	defer c.Close()
	c.capacity = 2

	peers := []netip.AddrPort{
		netip.MustParseAddrPort("198.51.100.1:1"),
		netip.MustParseAddrPort("198.51.100.2:2"),
		netip.MustParseAddrPort("198.51.100.3:3"),
	}

	_, err := c.Get(peers[0])
	if skipIfUnprivileged(t, err) {
		return
	}
	require.NoError(t, err)
	c.Put()

	_, err = c.Get(peers[1])
	require.NoError(t, err)
	c.Put()

	// touch peers[0] again, making peers[1] the LRU instead.
	_, err = c.Get(peers[0])
	require.NoError(t, err)
	c.Put()

	_, err = c.Get(peers[2])
	require.NoError(t, err)
	c.Put()

	c.mu.RLock()
	_, peer0Cached := c.entries[peers[0]]
	_, peer1Cached := c.entries[peers[1]]
	c.mu.RUnlock()
	assert.True(t, peer0Cached, "peers[0] was touched and should survive eviction")
	assert.False(t, peer1Cached, "peers[1] should have been evicted as LRU")
}

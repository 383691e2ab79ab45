package sockopt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRecvOrigDstWithoutAncillaryData exercises the ancillary-data parsing
// failure path on a plain (non-transparent) UDP socket, which carries no
// IP_RECVORIGDSTADDR control message, so it runs without CAP_NET_ADMIN.
func TestRecvOrigDstWithoutAncillaryData(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer server.Close()

	client, err := net.DialUDP("udp", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, _, _, err := RecvOrigDst(server, buf)
	assert.Error(t, err)
	assert.Equal(t, 4, n)
}

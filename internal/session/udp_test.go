package session

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tproxysocks5/internal/socks5"
	"tproxysocks5/internal/tsock"
)

func TestUDPSessionSendEnqueuesAndRespectsCapacity(t *testing.T) {
	cfg := UDPConfig{QueueCapacity: 2, BatchSize: 1}
	s := NewUDPSession(context.Background(), netip.MustParseAddrPort("198.51.100.1:1234"), cfg)

	dst := socks5.AddrFromName("resolver.invalid", 53)
	assert.True(t, s.Send(dst, []byte("a")))
	assert.True(t, s.Send(dst, []byte("b")))
	assert.False(t, s.Send(dst, []byte("c")), "third send should be dropped at capacity")

	batch := s.dequeueBatch(10)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", string(batch[0].payload))
	assert.Equal(t, "b", string(batch[1].payload))
}

func TestUDPSessionSendCopiesPayload(t *testing.T) {
	cfg := UDPConfig{QueueCapacity: 4, BatchSize: 1}
	s := NewUDPSession(context.Background(), netip.MustParseAddrPort("198.51.100.1:1234"), cfg)

	payload := []byte("mutate-me")
	dst := socks5.AddrFromName("resolver.invalid", 53)
	require.True(t, s.Send(dst, payload))
	payload[0] = 'X'

	batch := s.dequeueBatch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, "mutate-me", string(batch[0].payload))
}

func TestAssociateTargetDefaultsToSource(t *testing.T) {
	source := netip.MustParseAddrPort("198.51.100.1:1234")
	s := NewUDPSession(context.Background(), source, UDPConfig{})
	target := s.associateTarget()
	assert.Equal(t, source.Port(), target.Port)
	assert.True(t, target.IP.IsValid())
}

func TestAssociateTargetUsesUDPAddrOverrideForUDPInUDP(t *testing.T) {
	source := netip.MustParseAddrPort("198.51.100.1:1234")
	s := NewUDPSession(context.Background(), source, UDPConfig{UDPInUDP: true, UDPAddr: "steer.invalid"})
	target := s.associateTarget()
	assert.Equal(t, "steer.invalid", target.Name)
	assert.Equal(t, source.Port(), target.Port)
}

// fakeUDPTransport is an in-memory stand-in for udpTransport, driven by
// buffered channels so pump's liveness state machine can be exercised
// without real sockets.
type fakeUDPTransport struct {
	writes     chan queuedFrame
	reads      chan queuedFrame
	writeErr   error
	readErr    error
	readClosed bool
}

func newFakeUDPTransport() *fakeUDPTransport {
	return &fakeUDPTransport{
		writes: make(chan queuedFrame, 16),
		reads:  make(chan queuedFrame, 16),
	}
}

func (f *fakeUDPTransport) writeFrame(dst socks5.Addr, payload []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes <- queuedFrame{dst: dst, payload: payload}
	return nil
}

func (f *fakeUDPTransport) readFrame(buf []byte) (socks5.Addr, []byte, error) {
	if f.readErr != nil {
		return socks5.Addr{}, nil, f.readErr
	}
	select {
	case frame := <-f.reads:
		n := copy(buf, frame.payload)
		return frame.dst, buf[:n], nil
	default:
		return socks5.Addr{}, nil, timeoutErr{}
	}
}

func (f *fakeUDPTransport) close() error { return nil }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestDrainForwardReturnsCountWritten(t *testing.T) {
	cfg := UDPConfig{QueueCapacity: 8, BatchSize: 8}
	s := NewUDPSession(context.Background(), netip.MustParseAddrPort("198.51.100.1:1"), cfg)

	dst := socks5.AddrFromName("resolver.invalid", 53)
	require.True(t, s.Send(dst, []byte("one")))
	require.True(t, s.Send(dst, []byte("two")))

	ft := newFakeUDPTransport()
	n := s.drainForward(ft, 8)
	assert.Equal(t, 2, n)
	assert.Len(t, ft.writes, 2)
}

func TestDrainForwardReturnsNegativeOneOnTransportError(t *testing.T) {
	cfg := UDPConfig{QueueCapacity: 8, BatchSize: 8}
	s := NewUDPSession(context.Background(), netip.MustParseAddrPort("198.51.100.1:1"), cfg)
	require.True(t, s.Send(socks5.AddrFromName("x", 1), []byte("a")))

	ft := newFakeUDPTransport()
	ft.writeErr = errors.New("boom")
	n := s.drainForward(ft, 8)
	assert.Equal(t, -1, n)
}

func TestDrainBackwardRelaysReplyToSource(t *testing.T) {
	cache := tsock.New()
	defer cache.Close()

	// Transparent reply sockets need CAP_NET_ADMIN; probe once up front so
	// this test degrades to a skip instead of a false failure without it.
	probeConn, err := cache.Get(netip.MustParseAddrPort("198.51.100.50:53"))
	if err != nil {
		t.Skipf("requires CAP_NET_ADMIN for transparent reply socket: %v", err)
	}
	_ = probeConn
	cache.Put()

	cfg := UDPConfig{Cache: cache}
	s := NewUDPSession(context.Background(), netip.MustParseAddrPort("127.0.0.1:40000"), cfg)

	// listen on loopback so s.source is a real deliverable address.
	sourceConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer sourceConn.Close()
	s.source = sourceConn.LocalAddr().(*net.UDPAddr).AddrPort()

	ft := newFakeUDPTransport()
	peer := socks5.AddrFromIP(netip.MustParseAddr("198.51.100.50"), 53)
	ft.reads <- queuedFrame{dst: peer, payload: []byte("reply")}

	buf := make([]byte, 1500)
	n := s.drainBackward(ft, buf, 4)
	assert.Equal(t, 1, n)

	_ = sourceConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	out := make([]byte, 64)
	got, _, err := sourceConn.ReadFromUDP(out)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(out[:got]))
}

func TestDrainBackwardSkipsDomainNameAddresses(t *testing.T) {
	cache := tsock.New()
	defer cache.Close()

	s := NewUDPSession(context.Background(), netip.MustParseAddrPort("127.0.0.1:1"), UDPConfig{Cache: cache})

	ft := newFakeUDPTransport()
	ft.reads <- queuedFrame{dst: socks5.AddrFromName("resolver.invalid", 53), payload: []byte("x")}

	n := s.drainBackward(ft, make([]byte, 64), 4)
	assert.Equal(t, 0, n, "a domain-name destination frame should be skipped, not counted or erroring")
}

func TestIsTimeoutDetectsNetErrorTimeout(t *testing.T) {
	assert.True(t, isTimeout(timeoutErr{}))
	assert.False(t, isTimeout(errors.New("other")))
}

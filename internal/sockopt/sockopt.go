// Package sockopt builds the transparent listening and reply sockets this
// forwarder needs (spec.md 4.4) and recovers TPROXY-redirected connections'
// original destinations (spec.md 4.5 step 1, 4.6 dispatch). Every option here
// is Linux-only, grounded on the reference implementation's
// hev-socket-factory.c: AF_INET6 dual-stack socket, SO_REUSEADDR always,
// SO_REUSEPORT best-effort unless forced, IP_TRANSPARENT/IPV6_TRANSPARENT
// always, and for UDP IP_RECVORIGDSTADDR/IPV6_RECVORIGDSTADDR plus a
// best-effort SO_RCVBUF.
package sockopt

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"tproxysocks5/internal/logx"
)

var log = logx.New(logx.WithPrefix("sockopt"))

// ListenerConfig is the option matrix for one transparent listener.
type ListenerConfig struct {
	// ForceReusePort makes SO_REUSEPORT failure fatal; only the main worker
	// (id 0) passes false, so a single-worker deployment still starts if the
	// kernel lacks SO_REUSEPORT.
	ForceReusePort bool
	// UDPRecvBuffer, when > 0, is applied as SO_RCVBUF on SOCK_DGRAM
	// sockets; failure is logged and ignored.
	UDPRecvBuffer int
}

func controlFn(cfg ListenerConfig, dgram bool) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		if err := c.Control(func(fd uintptr) {
			ctrlErr = applyOptions(int(fd), cfg, dgram)
		}); err != nil {
			return err
		}
		return ctrlErr
	}
}

func applyOptions(fd int, cfg ListenerConfig, dgram bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("sockopt: SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		if cfg.ForceReusePort {
			return fmt.Errorf("sockopt: SO_REUSEPORT: %w", err)
		}
		log.Warnf("SO_REUSEPORT unavailable, falling back to single accept queue: %v", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("sockopt: IP_TRANSPARENT: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("sockopt: IPV6_TRANSPARENT: %w", err)
	}
	if !dgram {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
		return fmt.Errorf("sockopt: IP_RECVORIGDSTADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVORIGDSTADDR, 1); err != nil {
		return fmt.Errorf("sockopt: IPV6_RECVORIGDSTADDR: %w", err)
	}
	if cfg.UDPRecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.UDPRecvBuffer); err != nil {
			log.Warnf("SO_RCVBUF=%d: %v", cfg.UDPRecvBuffer, err)
		}
	}
	return nil
}

// ListenTCP builds a TPROXY-ready TCP listener bound to addr (host:port,
// v4 or v6 literal). The kernel backlog is Go's runtime default; the
// original's fixed backlog=100 isn't exposed by net.ListenConfig (see
// DESIGN.md).
func ListenTCP(ctx context.Context, addr string, cfg ListenerConfig) (*net.TCPListener, error) {
	lc := net.ListenConfig{Control: controlFn(cfg, false)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockopt: listen tcp %s: %w", addr, err)
	}
	return ln.(*net.TCPListener), nil
}

// ListenUDP builds a TPROXY-ready UDP socket bound to addr.
func ListenUDP(ctx context.Context, addr string, cfg ListenerConfig) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlFn(cfg, true)}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sockopt: listen udp %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// NewTransparentReplySocket creates the kind of socket the transparent-socket
// cache pools (spec.md 4.3): AF_INET6 SOCK_DGRAM, SO_REUSEADDR +
// IPV6_TRANSPARENT, bound to addr so replies sent from it appear to
// originate from addr. Grounded on hev_tsocks_cache_tsock_new.
func NewTransparentReplySocket(addr netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlFn(ListenerConfig{}, false)}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("sockopt: bind reply socket %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// OriginalDst recovers a TPROXY-accepted TCP connection's true destination.
// Under TPROXY (unlike REDIRECT/DNAT) the kernel makes the accepted socket's
// own local address report the original destination, so a plain getsockname
// suffices — this mirrors hev-socks5-worker.c's hev_socks5_tcp_session_task
// rather than a getsockopt(SO_ORIGINAL_DST) call.
func OriginalDst(conn *net.TCPConn) (netip.AddrPort, error) {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("sockopt: unexpected local addr type %T", conn.LocalAddr())
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("sockopt: bad local IP %v", addr.IP)
	}
	return netip.AddrPortFrom(ip, uint16(addr.Port)), nil
}

// SetMark applies SO_MARK to conn's underlying fd, used to steer the
// forwarder's own outbound sockets (towards the SOCKS5 upstream, or a reply
// socket) around policy routing rules.
func SetMark(conn syscall.Conn, mark uint32) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("sockopt: syscall conn: %w", err)
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	}); err != nil {
		return err
	}
	if setErr != nil {
		return fmt.Errorf("sockopt: SO_MARK=%d: %w", mark, setErr)
	}
	return nil
}

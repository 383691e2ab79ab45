package session

import (
	"net"
	"net/netip"
	"time"

	"tproxysocks5/internal/socks5"
	"tproxysocks5/internal/sockopt"
)

// udpTransport abstracts the two SOCKS5 UDP transport variants spec.md 4.2/
// 4.6 describe, so UDPSession.pump drives either identically.
type udpTransport interface {
	writeFrame(dst socks5.Addr, payload []byte) error
	// readFrame blocks briefly (short deadline) for one upstream reply; a
	// timeout is reported via net.Error.Timeout() and is not an error the
	// caller should treat as fatal.
	readFrame(buf []byte) (addr socks5.Addr, payload []byte, err error)
	close() error
}

// readTimeout bounds each readFrame attempt so the session's pump loop can
// interleave forward draining, liveness checks, and context cancellation
// instead of blocking indefinitely in one direction.
const readTimeout = 50 * time.Millisecond

// udpInTCP carries UDP datagrams as length-prefixed frames over the SOCKS5
// control TCP connection (spec.md 6.2 socks5.udp = "tcp"), grounded on
// hev-socks5-session-udp.c's TCP-carried variant.
type udpInTCP struct {
	conn net.Conn
}

func (t *udpInTCP) writeFrame(dst socks5.Addr, payload []byte) error {
	frame, err := socks5.EncodeUDPInTCPFrame(dst, payload)
	if err != nil {
		return err
	}
	_, err = t.conn.Write(frame)
	return err
}

func (t *udpInTCP) readFrame(_ []byte) (socks5.Addr, []byte, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return socks5.ReadUDPInTCPFrame(t.conn)
}

func (t *udpInTCP) close() error { return t.conn.Close() }

// udpInUDP sends SOCKS5-wrapped datagrams directly to the server's announced
// UDP relay address (spec.md 6.2 socks5.udp = "udp"), keeping the control TCP
// connection open only to detect early termination.
type udpInUDP struct {
	control net.Conn
	data    *net.UDPConn
}

func newUDPInUDP(control net.Conn, relay netip.AddrPort, mark uint32) (*udpInUDP, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(relay))
	if err != nil {
		return nil, err
	}
	if mark != 0 {
		if err := sockopt.SetMark(conn, mark); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return &udpInUDP{control: control, data: conn}, nil
}

func (t *udpInUDP) writeFrame(dst socks5.Addr, payload []byte) error {
	frame, err := socks5.EncodeUDPFrame(dst, payload)
	if err != nil {
		return err
	}
	_, err = t.data.Write(frame)
	return err
}

func (t *udpInUDP) readFrame(buf []byte) (socks5.Addr, []byte, error) {
	_ = t.data.SetReadDeadline(time.Now().Add(readTimeout))
	n, err := t.data.Read(buf)
	if err != nil {
		return socks5.Addr{}, nil, err
	}
	return socks5.DecodeUDPFrame(buf[:n])
}

// checkAlive polls the control connection for early closure without
// blocking the pump loop; Go has no non-blocking recv, so a very short read
// deadline is the idiomatic stand-in for the reference's MSG_DONTWAIT probe.
func (t *udpInUDP) checkAlive() error {
	_ = t.control.SetReadDeadline(time.Now().Add(time.Millisecond))
	var b [1]byte
	_, err := t.control.Read(b[:])
	if err == nil || isTimeout(err) {
		return nil
	}
	return err
}

func (t *udpInUDP) close() error {
	_ = t.control.Close()
	return t.data.Close()
}

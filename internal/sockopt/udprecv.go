package sockopt

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// RecvOrigDst reads one datagram from conn, returning its payload length,
// the original source address, and the original destination address
// recovered from IP_RECVORIGDSTADDR/IPV6_RECVORIGDSTADDR ancillary data
// (spec.md 4.6 dispatch: "worker-level recvmsg returns (src, dst, payload)").
func RecvOrigDst(conn *net.UDPConn, buf []byte) (n int, src, dst netip.AddrPort, err error) {
	oob := make([]byte, 1024)
	n, oobn, _, src, err := conn.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return 0, netip.AddrPort{}, netip.AddrPort{}, err
	}
	dst, err = parseOrigDst(oob[:oobn])
	if err != nil {
		return n, src, netip.AddrPort{}, err
	}
	return n, src, dst, nil
}

func parseOrigDst(oob []byte) (netip.AddrPort, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("sockopt: parse cmsg: %w", err)
	}
	for _, m := range msgs {
		sa, err := unix.ParseOrigDstAddr(&m)
		if err != nil {
			continue
		}
		switch a := sa.(type) {
		case *unix.SockaddrInet4:
			return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
		case *unix.SockaddrInet6:
			return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("sockopt: no original destination in ancillary data")
}

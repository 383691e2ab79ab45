package session

import (
	"context"
	"net"
	"net/netip"
	"time"

	"tproxysocks5/internal/sockopt"
	"tproxysocks5/internal/tsock"
)

// dnsTimeout is the fixed upstream-reply wait (spec.md 4.7), matching the
// reference's hardcoded 10-second DNS timeout.
const dnsTimeout = 10 * time.Second

// DNSConfig carries the options a DNS session needs. Unlike TCP/UDP
// sessions, DNS talks directly to the configured upstream over UDP rather
// than through the SOCKS5 server — spec.md 4.7 notes the SOCKS5-over-TCP DNS
// variant is deprecated and not part of this implementation, confirmed by
// the reference's hev-tproxy-session-dns.c, which never touches the SOCKS5
// client at all.
type DNSConfig struct {
	Upstream string
	Mark     uint32
	Cache    *tsock.Cache
}

// ServeDNS relays one client DNS query (already read off the TPROXY UDP
// listener) to cfg.Upstream and replies to src via a transparent socket
// bound to dst, so the client sees the reply as coming from whatever
// resolver it originally targeted (spec.md 4.7).
func ServeDNS(ctx context.Context, src, dst netip.AddrPort, query []byte, cfg DNSConfig) {
	dialCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "udp", cfg.Upstream)
	if err != nil {
		log.Debugf("dns: dial upstream %s: %v", cfg.Upstream, err)
		return
	}
	defer conn.Close()

	if cfg.Mark != 0 {
		if uc, ok := conn.(*net.UDPConn); ok {
			if err := sockopt.SetMark(uc, cfg.Mark); err != nil {
				log.Debugf("dns: SO_MARK: %v", err)
			}
		}
	}

	if _, err := conn.Write(query); err != nil {
		log.Debugf("dns: send query to %s: %v", cfg.Upstream, err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(dnsTimeout))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		log.Debugf("dns: read reply from %s: %v", cfg.Upstream, err)
		return
	}

	replyConn, err := cfg.Cache.Get(dst)
	if err != nil {
		log.Debugf("dns: tsock for %s: %v", dst, err)
		return
	}
	defer cfg.Cache.Put()

	if _, err := replyConn.WriteToUDPAddrPort(buf[:n], src); err != nil {
		log.Debugf("dns: reply to %s: %v", src, err)
	}
}

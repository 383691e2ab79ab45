// Package session implements the per-flow state machines spec.md 4.5-4.7
// describe: one TCP session per accepted flow, one UDP session per source
// endpoint, and one DNS session per received datagram. TCP and UDP sessions
// go through a stateful SOCKS5 client (internal/socks5); UDP and DNS sessions
// deliver replies through the transparent socket cache (internal/tsock).
package session

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"tproxysocks5/internal/logx"
	"tproxysocks5/internal/socks5"
	"tproxysocks5/internal/sockopt"
)

var log = logx.New(logx.WithPrefix("session"))

// TCPConfig carries the per-connection options a TCP session needs,
// resolved once from the loaded config by the worker.
type TCPConfig struct {
	UpstreamAddr   string
	Socks5         socks5.ClientConfig
	Mark           uint32
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// ServeTCP drives one TPROXY-accepted TCP flow end to end (spec.md 4.5):
// recover the original destination, reject loops back to the listener
// itself, run the SOCKS5 CONNECT handshake, then splice until either side
// closes or goes idle. ctx cancellation (worker shutdown) terminates the
// splice immediately. client is always closed on return.
func ServeTCP(ctx context.Context, client *net.TCPConn, listenerAddr netip.AddrPort, cfg TCPConfig) {
	defer client.Close()

	dst, err := sockopt.OriginalDst(client)
	if err != nil {
		log.Debugf("tcp: recover original destination: %v", err)
		return
	}
	if dst == listenerAddr {
		log.Warnf("tcp: rejecting connection looping back to listener %s", dst)
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dial := dialWithMark(cfg.Mark)
	target := socks5.AddrFromIP(dst.Addr(), dst.Port())
	upstream, _, err := socks5.Connect(connectCtx, dial, cfg.UpstreamAddr, cfg.Socks5, socks5.CmdConnect, target)
	if err != nil {
		log.Debugf("tcp: connect %s via socks5: %v", dst, err)
		return
	}
	defer upstream.Close()

	splice(ctx, client, upstream, cfg.IdleTimeout)
}

// dialWithMark returns a socks5.Connect-compatible dial func that applies
// SO_MARK to the dialed TCP socket when mark != 0.
func dialWithMark(mark uint32) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if mark != 0 {
			if tc, ok := conn.(*net.TCPConn); ok {
				if err := sockopt.SetMark(tc, mark); err != nil {
					_ = conn.Close()
					return nil, err
				}
			}
		}
		return conn, nil
	}
}

// splice full-duplex-copies between a and b (spec.md 4.5 step 3): idle
// timeout resets on any data transferred in either direction; on EOF in one
// direction that half is shut down (CloseWrite) while the other keeps
// draining until it too closes or the idle timeout fires. ctx cancellation
// force-closes both ends immediately (worker shutdown / session terminate).
func splice(ctx context.Context, a, b net.Conn, idle time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() { defer wg.Done(); copyDirection(b, a, idle) }()
	go func() { defer wg.Done(); copyDirection(a, b, idle) }()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		<-done
	}
}

func copyDirection(dst, src net.Conn, idle time.Duration) {
	buf := make([]byte, 32*1024)
	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
				// data in this direction also keeps the opposite one alive
				_ = dst.SetReadDeadline(time.Now().Add(idle))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if rerr != nil {
			break
		}
	}
	closeWrite(dst)
}

func closeWrite(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// Package worker implements the per-thread accept/dispatch loops spec.md 4.8
// describes (one worker owning a TCP accept loop, a UDP dispatch loop, and a
// DNS dispatch loop), grounded on the reference's pthread-per-worker model
// (hev-socks5-worker.c) and the teacher's graceful shutdown idiom
// (core/listener.ListenerMgr: ctx cancellation + listener close + deadline
// nudge + bounded WaitGroup drain).
//
// Where the reference spawns an OS thread running its own cooperative
// scheduler per worker, a Worker here is a goroutine group: Go's scheduler
// already multiplexes goroutines onto OS threads, so "worker" here means
// "one independently SO_REUSEPORT-bound listener set plus its session
// goroutines", not a dedicated OS thread.
package worker

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"tproxysocks5/internal/config"
	"tproxysocks5/internal/logx"
	"tproxysocks5/internal/session"
	"tproxysocks5/internal/socks5"
	"tproxysocks5/internal/sockopt"
	"tproxysocks5/internal/tsock"
)

var log = logx.New(logx.WithPrefix("worker"))

// acceptPollInterval bounds how stale a worker's shutdown response can be:
// the accept/read loops re-check ctx between deadline-bounded I/O calls
// instead of blocking forever in Accept/ReadFrom.
const acceptPollInterval = 200 * time.Millisecond

// Worker owns one set of transparent listeners (spec.md 4.8 T1). id 0 is the
// "main" worker, the only one allowed best-effort (non-fatal) SO_REUSEPORT;
// every other worker requires it, since a single-worker deployment must
// still start on kernels without SO_REUSEPORT.
type Worker struct {
	id     int
	isMain bool
	cfg    *config.Config
	cache  *tsock.Cache

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	udpMu       sync.Mutex
	udpSessions map[netip.AddrPort]*session.UDPSession
}

// New constructs a worker. cache is shared across every worker in the
// process (spec.md 4.3: the transparent-socket cache is process-global).
func New(parent context.Context, id int, cfg *config.Config, cache *tsock.Cache) *Worker {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id:          id,
		isMain:      id == 0,
		cfg:         cfg,
		cache:       cache,
		ctx:         ctx,
		cancel:      cancel,
		udpSessions: make(map[netip.AddrPort]*session.UDPSession),
	}
}

func (w *Worker) listenerConfig(dgram bool) sockopt.ListenerConfig {
	c := sockopt.ListenerConfig{ForceReusePort: !w.isMain}
	if dgram {
		c.UDPRecvBuffer = w.cfg.Misc.UDPRecvBufferSize
	}
	return c
}

// Run starts every configured listener (tcp/udp/dns, per spec.md 3: at
// least one is guaranteed present by config validation) and blocks until
// ctx is cancelled and all of them have drained.
func (w *Worker) Run() error {
	if w.cfg.TCP != nil {
		ln, err := sockopt.ListenTCP(w.ctx, listenerAddr(w.cfg.TCP.Address, w.cfg.TCP.Port), w.listenerConfig(false))
		if err != nil {
			return err
		}
		w.serveTCP(ln)
	}
	if w.cfg.UDP != nil {
		conn, err := sockopt.ListenUDP(w.ctx, listenerAddr(w.cfg.UDP.Address, w.cfg.UDP.Port), w.listenerConfig(true))
		if err != nil {
			return err
		}
		w.serveUDP(conn)
	}
	if w.cfg.DNS != nil {
		conn, err := sockopt.ListenUDP(w.ctx, listenerAddr(w.cfg.DNS.Address, w.cfg.DNS.Port), w.listenerConfig(true))
		if err != nil {
			return err
		}
		w.serveDNS(conn)
	}

	<-w.ctx.Done()
	w.wg.Wait()
	return nil
}

// Stop cancels the worker's context; Run's Wait unblocks once every
// accept/dispatch loop and in-flight session has observed the cancellation.
func (w *Worker) Stop() {
	w.cancel()
}

func listenerAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// dnsUpstreamAddr normalizes dns.upstream (spec.md 6.2), which may be a bare
// host or a host:port pair, defaulting to port 53 when none is given.
func dnsUpstreamAddr(upstream string) string {
	if host, port, err := net.SplitHostPort(upstream); err == nil {
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(upstream, "53")
}

func addrToSocks5(a netip.AddrPort) socks5.Addr {
	return socks5.AddrFromIP(a.Addr(), a.Port())
}

func (w *Worker) tcpConfig() session.TCPConfig {
	return session.TCPConfig{
		UpstreamAddr:   listenerAddr(w.cfg.Socks5.Address, w.cfg.Socks5.Port),
		Socks5:         w.socks5Config(),
		Mark:           w.cfg.Socks5.Mark,
		ConnectTimeout: time.Duration(w.cfg.Misc.ConnectTimeout) * time.Millisecond,
		IdleTimeout:    time.Duration(w.cfg.Misc.ReadWriteTimeout) * time.Millisecond,
	}
}

func (w *Worker) udpConfig() session.UDPConfig {
	return session.UDPConfig{
		UpstreamAddr:   listenerAddr(w.cfg.Socks5.Address, w.cfg.Socks5.Port),
		Socks5:         w.socks5Config(),
		Mark:           w.cfg.Socks5.Mark,
		ConnectTimeout: time.Duration(w.cfg.Misc.ConnectTimeout) * time.Millisecond,
		IdleTimeout:    time.Duration(w.cfg.Misc.ReadWriteTimeout) * time.Millisecond,
		UDPInUDP:       w.cfg.Socks5.UDPInUDP,
		UDPAddr:        w.cfg.Socks5.UDPAddr,
		QueueCapacity:  session.DefaultQueueCapacity,
		BatchSize:      w.cfg.Misc.UDPCopyBufferNums,
		Cache:          w.cache,
	}
}

func (w *Worker) socks5Config() socks5.ClientConfig {
	var auth *socks5.AuthConfig
	if w.cfg.Socks5.Username != "" || w.cfg.Socks5.Password != "" {
		auth = &socks5.AuthConfig{Username: w.cfg.Socks5.Username, Password: w.cfg.Socks5.Password}
	}
	return socks5.ClientConfig{Auth: auth, Pipeline: w.cfg.Socks5.Pipeline}
}

// serveTCP runs the TCP accept loop (spec.md 4.8 T1 tcp task), dispatching
// every accepted connection to its own ServeTCP session goroutine.
func (w *Worker) serveTCP(ln *net.TCPListener) {
	listenAddr, _ := netip.ParseAddrPort(ln.Addr().String())
	cfg := w.tcpConfig()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ln.Close()
		for {
			_ = ln.SetDeadline(time.Now().Add(acceptPollInterval))
			conn, err := ln.Accept()
			if err != nil {
				if w.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Errorf("tcp: accept: %v", err)
				return
			}
			tc := conn.(*net.TCPConn)
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				session.ServeTCP(w.ctx, tc, listenAddr, cfg)
			}()
		}
	}()
}

// serveUDP runs the UDP dispatch loop (spec.md 4.6, 4.8 T1 udp task):
// recover each datagram's original destination, route it to the session
// keyed by source address (creating one on first sight), and enqueue it.
func (w *Worker) serveUDP(conn *net.UDPConn) {
	cfg := w.udpConfig()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer conn.Close()
		buf := make([]byte, 64*1024)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
			n, src, dst, err := sockopt.RecvOrigDst(conn, buf)
			if err != nil {
				if w.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Errorf("udp: recv: %v", err)
				continue
			}
			w.dispatchUDP(src, dst, buf[:n], cfg)
		}
	}()
}

func (w *Worker) dispatchUDP(src, dst netip.AddrPort, payload []byte, cfg session.UDPConfig) {
	w.udpMu.Lock()
	sess, ok := w.udpSessions[src]
	if !ok {
		sess = session.NewUDPSession(w.ctx, src, cfg)
		w.udpSessions[src] = sess
		w.wg.Add(1)
		sess.Run(func() {
			w.udpMu.Lock()
			delete(w.udpSessions, src)
			w.udpMu.Unlock()
			w.wg.Done()
		})
	}
	w.udpMu.Unlock()

	target := addrToSocks5(dst)
	if !sess.Send(target, payload) {
		log.Debugf("udp: session %s queue full, dropping datagram", src)
	}
}

// serveDNS runs the DNS dispatch loop (spec.md 4.7, 4.8 T1 dns task): each
// datagram is handled as a one-shot request/reply, no session bookkeeping.
func (w *Worker) serveDNS(conn *net.UDPConn) {
	dnsCfg := session.DNSConfig{
		Upstream: dnsUpstreamAddr(w.cfg.DNS.Upstream),
		Mark:     w.cfg.Socks5.Mark,
		Cache:    w.cache,
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer conn.Close()
		buf := make([]byte, 1500)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
			n, src, dst, err := sockopt.RecvOrigDst(conn, buf)
			if err != nil {
				if w.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Errorf("dns: recv: %v", err)
				continue
			}
			query := make([]byte, n)
			copy(query, buf[:n])
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				session.ServeDNS(w.ctx, src, dst, query, dnsCfg)
			}()
		}
	}()
}

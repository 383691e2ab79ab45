package session

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"tproxysocks5/internal/sched"
	"tproxysocks5/internal/socks5"
	"tproxysocks5/internal/tsock"
)

// UDP_POOL_SIZE in the reference: the cap on datagrams a session will queue
// for the forward direction before it starts dropping (spec.md 3 UdpSession).
const DefaultQueueCapacity = 512

// UDPConfig carries the per-association options a UDP session needs.
type UDPConfig struct {
	UpstreamAddr   string
	Socks5         socks5.ClientConfig
	Mark           uint32
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	// UDPInUDP selects the SOCKS5-wrapped-datagrams-to-BND.ADDR transport
	// instead of length-prefixed frames over the control TCP connection
	// (spec.md 6.2 socks5.udp: "udp" vs "tcp").
	UDPInUDP bool
	// UDPAddr, when set and UDPInUDP is true, overrides the host the
	// UDP-ASSOCIATE request announces as the client's own source (spec.md
	// 6.2 socks5.udp-addr); it steers only the association's outbound
	// announcement, never a per-datagram destination.
	UDPAddr       string
	QueueCapacity int
	BatchSize     int
	Cache         *tsock.Cache
}

type queuedFrame struct {
	dst     socks5.Addr
	payload []byte
}

// UDPSession is one client-source-endpoint's SOCKS5 UDP association
// (spec.md 4.6, 3 UdpSession). Datagrams arriving at the TPROXY UDP listener
// from the same source address are routed to the same session by the
// worker's session table; Send enqueues them for the forward loop.
type UDPSession struct {
	source netip.AddrPort
	cfg    UDPConfig

	mu     sync.Mutex
	queue  []queuedFrame
	queued int

	wake chan struct{}
	task *sched.Task
}

// NewUDPSession creates a session for datagrams originating from source.
// Run must be called to actually drive the association.
func NewUDPSession(parent context.Context, source netip.AddrPort, cfg UDPConfig) *UDPSession {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &UDPSession{
		source: source,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		task:   sched.NewTask(parent),
	}
}

// Send enqueues one client->upstream datagram. Returns false if the session's
// queue is already at capacity, in which case the caller drops the datagram
// (spec.md 3 UdpSession, edge case: over-capacity send is a silent drop, not
// an error).
func (s *UDPSession) Send(dst socks5.Addr, payload []byte) bool {
	s.mu.Lock()
	if s.queued >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.queue = append(s.queue, queuedFrame{dst: dst, payload: buf})
	s.queued++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *UDPSession) dequeueBatch(n int) []queuedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.queue) {
		n = len(s.queue)
	}
	if n == 0 {
		return nil
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]
	s.queued -= n
	return batch
}

// Terminate cooperatively cancels the session (spec.md 4.1 task_wakeup
// idiom). Idempotent.
func (s *UDPSession) Terminate() { s.task.Terminate() }

// Run drives the association until terminated or both directions die, then
// calls onDone exactly once (so the owning worker can remove the session
// from its table).
func (s *UDPSession) Run(onDone func()) {
	s.task.Run(func(ctx context.Context) {
		defer onDone()
		s.run(ctx)
	})
}

func (s *UDPSession) run(ctx context.Context) {
	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	dial := dialWithMark(s.cfg.Mark)
	assocTarget := s.associateTarget()
	control, bound, err := socks5.Connect(connectCtx, dial, s.cfg.UpstreamAddr, s.cfg.Socks5, socks5.CmdUDPAssociate, assocTarget)
	cancel()
	if err != nil {
		log.Debugf("udp: associate %s: %v", s.source, err)
		return
	}
	defer control.Close()

	transport, err := s.openTransport(control, bound)
	if err != nil {
		log.Debugf("udp: open transport for %s: %v", s.source, err)
		return
	}
	defer transport.close()

	s.pump(ctx, transport)
}

func (s *UDPSession) associateTarget() socks5.Addr {
	if s.cfg.UDPInUDP && s.cfg.UDPAddr != "" {
		return socks5.AddrFromName(s.cfg.UDPAddr, s.source.Port())
	}
	return socks5.AddrFromIP(s.source.Addr(), s.source.Port())
}

func (s *UDPSession) openTransport(control net.Conn, bound socks5.Addr) (udpTransport, error) {
	if !s.cfg.UDPInUDP {
		return &udpInTCP{conn: control}, nil
	}
	relay, err := boundToAddrPort(bound)
	if err != nil {
		return nil, err
	}
	return newUDPInUDP(control, relay, s.cfg.Mark)
}

func boundToAddrPort(a socks5.Addr) (netip.AddrPort, error) {
	if a.Name != "" {
		return netip.AddrPort{}, fmt.Errorf("udp: bound address is a domain name, not supported for udp-in-udp relay")
	}
	return netip.AddrPortFrom(a.IP, a.Port), nil
}

// pump runs the fused forward/backward loop (spec.md 4.6): forward drains
// queued client->upstream frames; backward reads upstream->client frames and
// replies from a transparent socket bound to the frame's embedded address
// (spec.md 4.3). Liveness tracks each direction independently: a direction
// that has never carried a datagram and then goes idle is declared dead;
// once both are dead, the session ends. A successful transfer on either
// side resets the idle deadline.
func (s *UDPSession) pump(ctx context.Context, t udpTransport) {
	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	var aliveF, aliveB, deadF, deadB bool
	lastActivity := time.Now()

	readBuf := make([]byte, 1500*2)

	for {
		if ctx.Err() != nil {
			return
		}

		progressed := false

		if !deadF {
			n := s.drainForward(t, s.cfg.BatchSize)
			if n > 0 {
				aliveF = true
				progressed = true
			} else if n < 0 {
				deadF = true
			}
		}

		if !deadB {
			n := s.drainBackward(t, readBuf, s.cfg.BatchSize)
			if n > 0 {
				aliveB = true
				progressed = true
			} else if n < 0 {
				deadB = true
			}
		}

		if deadF && deadB {
			return
		}

		if progressed {
			lastActivity = time.Now()
			continue
		}

		if time.Since(lastActivity) > idle {
			if !aliveF {
				deadF = true
			}
			if !aliveB {
				deadB = true
			}
			if deadF && deadB {
				return
			}
			lastActivity = time.Now()
		}

		if s.cfg.UDPInUDP {
			if tu, ok := t.(*udpInUDP); ok {
				if err := tu.checkAlive(); err != nil {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// drainForward writes up to n queued frames upstream. Returns the count
// written, or -1 on a transport error (direction declared dead).
func (s *UDPSession) drainForward(t udpTransport, n int) int {
	batch := s.dequeueBatch(n)
	count := 0
	for _, f := range batch {
		if err := t.writeFrame(f.dst, f.payload); err != nil {
			log.Debugf("udp: forward %s -> %s: %v", s.source, f.dst, err)
			return -1
		}
		count++
	}
	return count
}

// drainBackward reads up to n upstream replies and relays each to the
// original client source via the transparent-socket cache. Returns the
// count relayed, or -1 on a transport error.
func (s *UDPSession) drainBackward(t udpTransport, buf []byte, n int) int {
	count := 0
	for i := 0; i < n; i++ {
		addr, payload, err := t.readFrame(buf)
		if err != nil {
			if isTimeout(err) {
				return count
			}
			log.Debugf("udp: backward read for %s: %v", s.source, err)
			return -1
		}
		if addr.Name != "" {
			continue
		}
		peer := netip.AddrPortFrom(addr.IP, addr.Port)
		conn, err := s.cfg.Cache.Get(peer)
		if err != nil {
			log.Debugf("udp: tsock for %s: %v", peer, err)
			continue
		}
		if _, err := conn.WriteToUDPAddrPort(payload, s.source); err != nil {
			log.Debugf("udp: reply to %s: %v", s.source, err)
		}
		s.cfg.Cache.Put()
		count++
	}
	return count
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

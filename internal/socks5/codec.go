// Package socks5 implements the wire codec and client handshake for RFC 1928
// SOCKS5 plus RFC 1929 user/password sub-negotiation (spec.md 4.2): greeting,
// auth, CONNECT/UDP-ASSOCIATE request and reply, and both UDP transport
// framings (UDP-in-TCP length-prefixed, UDP-in-UDP SOCKS5-wrapped).
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"tproxysocks5/internal/addrnorm"
)

const (
	Ver5 = 0x05

	MethodNoAuth    = 0x00
	MethodUserPass  = 0x02
	MethodNoAccept  = 0xFF
	authSubnegotVer = 0x01

	CmdConnect     = 0x01
	CmdUDPAssociate = 0x03

	ATypeIPv4   = 0x01
	ATypeDomain = 0x03
	ATypeIPv6   = 0x04

	// RepSucceeded is the only reply code this client treats as success;
	// any other value is surfaced as an error carrying the code.
	RepSucceeded = 0x00
)

// Addr is a SOCKS5 address: either an IP (carried in addrnorm's
// mapped-IPv6 normal form) or a domain name, plus a port. Exactly one of IP
// or Name is set.
type Addr struct {
	IP   netip.Addr
	Name string
	Port uint16
}

func AddrFromIP(ip netip.Addr, port uint16) Addr {
	return Addr{IP: addrnorm.ToV6(ip), Port: port}
}

func AddrFromName(name string, port uint16) Addr {
	return Addr{Name: name, Port: port}
}

func (a Addr) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s:%d", a.Name, a.Port)
	}
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// encode appends the atype+addr+port wire form of a to dst. IPv4-mapped
// addresses are emitted as atype=IPv4, never atype=IPv6 (spec.md 4.2).
func (a Addr) encode(dst []byte) ([]byte, error) {
	if a.Name != "" {
		if len(a.Name) > 255 {
			return nil, fmt.Errorf("socks5: domain name too long: %d bytes", len(a.Name))
		}
		dst = append(dst, ATypeDomain, byte(len(a.Name)))
		dst = append(dst, a.Name...)
		return appendPort(dst, a.Port), nil
	}
	if v4, ok := addrnorm.AsV4(a.IP); ok {
		dst = append(dst, ATypeIPv4)
		b := v4.As4()
		dst = append(dst, b[:]...)
		return appendPort(dst, a.Port), nil
	}
	if a.IP.Is6() {
		dst = append(dst, ATypeIPv6)
		b := a.IP.As16()
		dst = append(dst, b[:]...)
		return appendPort(dst, a.Port), nil
	}
	return nil, fmt.Errorf("socks5: empty address")
}

func appendPort(dst []byte, port uint16) []byte {
	return append(dst, byte(port>>8), byte(port))
}

// DecodeAddr reads one atype+addr+port triple from r.
func DecodeAddr(r io.Reader) (Addr, error) {
	var atype [1]byte
	if _, err := io.ReadFull(r, atype[:]); err != nil {
		return Addr{}, fmt.Errorf("socks5: read atype: %w", err)
	}
	switch atype[0] {
	case ATypeIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Addr{}, fmt.Errorf("socks5: read ipv4: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Addr{}, err
		}
		return AddrFromIP(netip.AddrFrom4(b), port), nil
	case ATypeIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Addr{}, fmt.Errorf("socks5: read ipv6: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Addr{}, err
		}
		return AddrFromIP(netip.AddrFrom16(b), port), nil
	case ATypeDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return Addr{}, fmt.Errorf("socks5: read domain len: %w", err)
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(r, name); err != nil {
			return Addr{}, fmt.Errorf("socks5: read domain: %w", err)
		}
		port, err := readPort(r)
		if err != nil {
			return Addr{}, err
		}
		return AddrFromName(string(name), port), nil
	default:
		return Addr{}, fmt.Errorf("socks5: unsupported atype %#x", atype[0])
	}
}

func readPort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("socks5: read port: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// EncodeGreeting builds the client greeting, announcing NO-AUTH and,
// when creds are non-empty, USER/PASS.
func EncodeGreeting(authConfigured bool) []byte {
	if authConfigured {
		return []byte{Ver5, 0x02, MethodNoAuth, MethodUserPass}
	}
	return []byte{Ver5, 0x01, MethodNoAuth}
}

// EncodeUserPassAuth builds the RFC 1929 sub-negotiation request.
func EncodeUserPassAuth(user, pass string) ([]byte, error) {
	if len(user) > 255 || len(pass) > 255 {
		return nil, fmt.Errorf("socks5: credentials too long (user=%d pass=%d)", len(user), len(pass))
	}
	b := make([]byte, 0, 3+len(user)+len(pass))
	b = append(b, authSubnegotVer, byte(len(user)))
	b = append(b, user...)
	b = append(b, byte(len(pass)))
	b = append(b, pass...)
	return b, nil
}

// EncodeRequest builds a CONNECT or UDP-ASSOCIATE request.
func EncodeRequest(cmd byte, target Addr) ([]byte, error) {
	b := []byte{Ver5, cmd, 0x00}
	return target.encode(b)
}

// DecodeReply reads a SOCKS5 reply: version, reply code, reserved byte, and
// bound address. A non-zero reply code is returned as an error alongside the
// parsed code so callers can log it.
func DecodeReply(r io.Reader) (rep byte, bound Addr, err error) {
	var hdr [3]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, Addr{}, fmt.Errorf("socks5: read reply header: %w", err)
	}
	if hdr[0] != Ver5 {
		return 0, Addr{}, fmt.Errorf("socks5: bad reply version %#x", hdr[0])
	}
	rep = hdr[1]
	bound, err = DecodeAddr(r)
	if err != nil {
		return rep, Addr{}, err
	}
	if rep != RepSucceeded {
		return rep, bound, fmt.Errorf("socks5: request refused, rep=%#x", rep)
	}
	return rep, bound, nil
}

// EncodeUDPFrame wraps a UDP payload in the SOCKS5 UDP header (rsv=0,
// frag=0, atype, dst, port, payload) used by both UDP transport variants.
func EncodeUDPFrame(dst Addr, payload []byte) ([]byte, error) {
	b := []byte{0x00, 0x00, 0x00}
	b, err := dst.encode(b)
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// DecodeUDPFrame parses a SOCKS5-wrapped UDP datagram (no length prefix),
// returning the destination address and the payload slice (sharing backing
// storage with raw).
func DecodeUDPFrame(raw []byte) (dst Addr, payload []byte, err error) {
	if len(raw) < 4 {
		return Addr{}, nil, fmt.Errorf("socks5: udp frame too short")
	}
	if raw[2] != 0x00 {
		return Addr{}, nil, fmt.Errorf("socks5: fragmented udp datagrams unsupported")
	}
	r := newByteReader(raw[3:])
	dst, err = DecodeAddr(r)
	if err != nil {
		return Addr{}, nil, err
	}
	return dst, r.rest(), nil
}

// EncodeUDPInTCPFrame wraps a UDP datagram for the udp-in-tcp transport:
// a big-endian u16 length prefix followed by the SOCKS5 UDP header and
// payload (spec.md 4.2).
func EncodeUDPInTCPFrame(dst Addr, payload []byte) ([]byte, error) {
	frame, err := EncodeUDPFrame(dst, payload)
	if err != nil {
		return nil, err
	}
	if len(frame) > 0xFFFF {
		return nil, fmt.Errorf("socks5: udp-in-tcp frame too large: %d bytes", len(frame))
	}
	out := make([]byte, 2, 2+len(frame))
	binary.BigEndian.PutUint16(out, uint16(len(frame)))
	return append(out, frame...), nil
}

// ReadUDPInTCPFrame reads one length-prefixed frame from r and decodes it.
func ReadUDPInTCPFrame(r io.Reader) (dst Addr, payload []byte, err error) {
	var lb [2]byte
	if _, err = io.ReadFull(r, lb[:]); err != nil {
		return Addr{}, nil, err
	}
	n := binary.BigEndian.Uint16(lb[:])
	raw := make([]byte, n)
	if _, err = io.ReadFull(r, raw); err != nil {
		return Addr{}, nil, fmt.Errorf("socks5: read udp-in-tcp body: %w", err)
	}
	return DecodeUDPFrame(raw)
}

// byteReader is a minimal io.Reader over an in-memory slice that also
// exposes the unread remainder, used to decode a UDP header embedded in an
// already-received datagram without an extra copy.
type byteReader struct {
	b []byte
	i int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func (r *byteReader) rest() []byte { return r.b[r.i:] }

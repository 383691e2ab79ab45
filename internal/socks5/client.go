package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// AuthConfig carries optional RFC 1929 username/password credentials.
type AuthConfig struct {
	Username string
	Password string
}

func (a *AuthConfig) configured() bool { return a != nil && (a.Username != "" || a.Password != "") }

// ClientConfig bundles the per-upstream SOCKS5 options that shape the
// handshake (spec.md 4.2).
type ClientConfig struct {
	Auth     *AuthConfig
	Pipeline bool
}

// Connect dials upstreamAddr via dial, then runs the SOCKS5 handshake for
// cmd/target, applying ctx's deadline (if any) to the handshake. On
// success the returned conn has its deadline cleared and is ready for
// splice/UDP-ASSOCIATE control use.
func Connect(ctx context.Context, dial func(context.Context, string) (net.Conn, error), upstreamAddr string, cfg ClientConfig, cmd byte, target Addr) (net.Conn, Addr, error) {
	conn, err := dial(ctx, upstreamAddr)
	if err != nil {
		return nil, Addr{}, fmt.Errorf("socks5: dial upstream %s: %w", upstreamAddr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	var bound Addr
	if cfg.Pipeline {
		bound, err = handshakePipelined(conn, cfg.Auth, cmd, target)
	} else {
		bound, err = handshakeSequential(conn, cfg.Auth, cmd, target)
	}
	if err != nil {
		_ = conn.Close()
		return nil, Addr{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, bound, nil
}

func handshakeSequential(conn net.Conn, auth *AuthConfig, cmd byte, target Addr) (Addr, error) {
	if _, err := conn.Write(EncodeGreeting(auth.configured())); err != nil {
		return Addr{}, fmt.Errorf("socks5: write greeting: %w", err)
	}
	method, err := readSelectedMethod(conn)
	if err != nil {
		return Addr{}, err
	}
	if err := authenticate(conn, auth, method); err != nil {
		return Addr{}, err
	}
	req, err := EncodeRequest(cmd, target)
	if err != nil {
		return Addr{}, err
	}
	if _, err := conn.Write(req); err != nil {
		return Addr{}, fmt.Errorf("socks5: write request: %w", err)
	}
	_, bound, err := DecodeReply(conn)
	return bound, err
}

// handshakePipelined writes greeting+auth+request in a single syscall before
// reading anything back (spec.md 4.2 pipeline mode). It commits to the auth
// method implied by cfg.Auth; if the server selects a different method the
// handshake fails outright rather than retrying sequentially (spec.md 9
// Open Question — this module does not implement the one-byte-readiness
// fallback the original leaves optional).
func handshakePipelined(conn net.Conn, auth *AuthConfig, cmd byte, target Addr) (Addr, error) {
	buf := EncodeGreeting(auth.configured())
	if auth.configured() {
		authBytes, err := EncodeUserPassAuth(auth.Username, auth.Password)
		if err != nil {
			return Addr{}, err
		}
		buf = append(buf, authBytes...)
	}
	req, err := EncodeRequest(cmd, target)
	if err != nil {
		return Addr{}, err
	}
	buf = append(buf, req...)
	if _, err := conn.Write(buf); err != nil {
		return Addr{}, fmt.Errorf("socks5: pipelined write: %w", err)
	}

	method, err := readSelectedMethod(conn)
	if err != nil {
		return Addr{}, err
	}
	wantMethod := byte(MethodNoAuth)
	if auth.configured() {
		wantMethod = MethodUserPass
	}
	if method != wantMethod {
		return Addr{}, fmt.Errorf("socks5: pipelined handshake assumed method %#x but server selected %#x", wantMethod, method)
	}
	if auth.configured() {
		var resp [2]byte
		if _, err := io.ReadFull(conn, resp[:]); err != nil {
			return Addr{}, fmt.Errorf("socks5: read auth reply: %w", err)
		}
		if resp[0] != authSubnegotVer || resp[1] != 0x00 {
			return Addr{}, fmt.Errorf("socks5: auth failed, status=%#x", resp[1])
		}
	}
	_, bound, err := DecodeReply(conn)
	return bound, err
}

func readSelectedMethod(r io.Reader) (byte, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("socks5: read greeting reply: %w", err)
	}
	if b[0] != Ver5 {
		return 0, fmt.Errorf("socks5: bad greeting version %#x", b[0])
	}
	return b[1], nil
}

func authenticate(rw io.ReadWriter, auth *AuthConfig, method byte) error {
	switch method {
	case MethodNoAuth:
		return nil
	case MethodUserPass:
		if !auth.configured() {
			return fmt.Errorf("socks5: server selected user/pass but no credentials configured")
		}
		req, err := EncodeUserPassAuth(auth.Username, auth.Password)
		if err != nil {
			return err
		}
		if _, err := rw.Write(req); err != nil {
			return fmt.Errorf("socks5: write auth: %w", err)
		}
		var resp [2]byte
		if _, err := io.ReadFull(rw, resp[:]); err != nil {
			return fmt.Errorf("socks5: read auth reply: %w", err)
		}
		if resp[0] != authSubnegotVer || resp[1] != 0x00 {
			return fmt.Errorf("socks5: auth failed, status=%#x", resp[1])
		}
		return nil
	case MethodNoAccept:
		return fmt.Errorf("socks5: no acceptable auth methods")
	default:
		return fmt.Errorf("socks5: unsupported method selected by server: %#x", method)
	}
}

// DialTimeout is the default dial func: plain net.Dialer honoring ctx.
func DialTimeout(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

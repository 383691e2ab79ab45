package session

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpliceRelaysBothDirections(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	done := make(chan struct{})
	go func() {
		splice(context.Background(), aServer, bServer, 0)
		close(done)
	}()

	go func() {
		_, _ = aClient.Write([]byte("hello"))
	}()

	buf := make([]byte, 16)
	_ = bClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := bClient.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	go func() {
		_, _ = bClient.Write([]byte("world"))
	}()
	_ = aClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = aClient.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	aClient.Close()
	bClient.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return after both ends closed")
	}
}

func TestSpliceCtxCancellationForceCloses(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()
	defer aClient.Close()
	defer bClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		splice(ctx, aServer, bServer, 0)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("splice did not return after ctx cancellation")
	}

	// aClient's peer (aServer) was force-closed; reads should now fail.
	_ = aClient.SetReadDeadline(time.Now().Add(time.Second))
	_, err := aClient.Read(make([]byte, 1))
	assert.Error(t, err)
}

// tcpPipe builds a connected pair of *net.TCPConn over loopback, since
// closeWrite only special-cases *net.TCPConn (net.Pipe's Conn does not
// implement CloseWrite).
func tcpPipe(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c.(*net.TCPConn)
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-accepted
	return client.(*net.TCPConn), server
}

func TestCopyDirectionHalfClosesOnEOF(t *testing.T) {
	srcClient, srcServer := tcpPipe(t)
	defer srcClient.Close()
	defer srcServer.Close()
	dstClient, dstServer := tcpPipe(t)
	defer dstClient.Close()
	defer dstServer.Close()

	done := make(chan struct{})
	go func() {
		copyDirection(dstServer, srcServer, 0)
		close(done)
	}()

	srcClient.Close() // EOF on srcServer's next Read

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("copyDirection did not return on EOF")
	}

	// dstServer was half-closed (CloseWrite); dstClient should observe EOF.
	_ = dstClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := dstClient.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

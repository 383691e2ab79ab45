package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withArgs(t *testing.T, args []string, fn func()) {
	t.Helper()
	orig := os.Args
	os.Args = args
	defer func() { os.Args = orig }()
	fn()
}

func TestRunBadArgCount(t *testing.T) {
	withArgs(t, []string{"tproxy-socks5"}, func() {
		assert.Equal(t, exitBadArgs, run())
	})
	withArgs(t, []string{"tproxy-socks5", "a", "b"}, func() {
		assert.Equal(t, exitBadArgs, run())
	})
}

func TestRunHelp(t *testing.T) {
	withArgs(t, []string{"tproxy-socks5", "--help"}, func() {
		assert.Equal(t, exitOK, run())
	})
	withArgs(t, []string{"tproxy-socks5", "-h"}, func() {
		assert.Equal(t, exitOK, run())
	})
}

func TestRunConfigLoadFailure(t *testing.T) {
	withArgs(t, []string{"tproxy-socks5", filepath.Join(t.TempDir(), "missing.yaml")}, func() {
		assert.Equal(t, exitConfigFailure, run())
	})
}

func TestWritePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tproxy-socks5.pid")
	require.NoError(t, writePidFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data[:len(data)-1])) // trailing newline
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

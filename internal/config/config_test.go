package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
socks5:
  address: 198.51.100.1
  port: 1080
tcp:
  address: "::"
  port: 60080
`)
	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)
	assert.Equal(t, DefaultWorkers, cfg.Workers())
	assert.Equal(t, DefaultTaskStackSize, cfg.Misc.TaskStackSize)
	assert.Equal(t, DefaultUDPRecvBufferSize, cfg.Misc.UDPRecvBufferSize)
	assert.Equal(t, DefaultConnectTimeoutMs, cfg.Misc.ConnectTimeout)
	assert.Equal(t, DefaultReadWriteTimeout, cfg.Misc.ReadWriteTimeout)
	assert.Equal(t, DefaultLimitNofile, cfg.Misc.LimitNofile)
	assert.Equal(t, DefaultLogLevel, cfg.Misc.LogLevel)
	assert.Equal(t, DefaultUDPCopyBufferNums, cfg.Misc.UDPCopyBufferNums)
	assert.False(t, cfg.Socks5.UDPInUDP)
}

func TestLoadRequiresSocks5(t *testing.T) {
	path := writeConfig(t, `
tcp:
  address: "::"
  port: 60080
`)
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresAtLeastOneListener(t *testing.T) {
	path := writeConfig(t, `
socks5:
  address: 198.51.100.1
  port: 1080
`)
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDNSRequiresUpstream(t *testing.T) {
	path := writeConfig(t, `
socks5:
  address: 198.51.100.1
  port: 1080
dns:
  address: "::"
  port: 60053
`)
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoadUDPInUDPFlag(t *testing.T) {
	path := writeConfig(t, `
socks5:
  address: 198.51.100.1
  port: 1080
  udp: udp
udp:
  address: "::"
  port: 60081
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Socks5.UDPInUDP)
}

func TestLoadRejectsUnknownUDPMode(t *testing.T) {
	path := writeConfig(t, `
socks5:
  address: 198.51.100.1
  port: 1080
  udp: carrier-pigeon
udp:
  address: "::"
  port: 60081
`)
	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFallsBackOnMissingPath(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLoadMarkAcceptsHexLiteral(t *testing.T) {
	path := writeConfig(t, `
socks5:
  address: 198.51.100.1
  port: 1080
  mark: 0x1
tcp:
  address: "::"
  port: 60080
`)
	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cfg.Socks5.Mark)
}

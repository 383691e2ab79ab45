// Package config loads the forwarder's YAML configuration file into a typed,
// immutable Config record (spec.md 3, 6.2).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tproxysocks5/internal/logx"
)

const defaultConfigPath = "/etc/tproxysocks5/config.yaml"

// Defaults, spec.md 6.2.
const (
	DefaultWorkers           = 1
	DefaultTaskStackSize     = 16384
	DefaultUDPRecvBufferSize = 1048576
	DefaultConnectTimeoutMs  = 5000
	DefaultReadWriteTimeout  = 60000
	DefaultLimitNofile       = 65535
	DefaultLogLevel          = "warn"
	// DefaultUDPCopyBufferNums is the per-iteration batch size for the UDP
	// session's fused forward/backward loops (spec.md 4.6); the original
	// defaults to one datagram per syscall.
	DefaultUDPCopyBufferNums = 1
)

// Socks5 describes the upstream SOCKS5 server and its transport options.
type Socks5 struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// UDP selects the UDP transport variant: "tcp" (udp-in-tcp, default) or
	// "udp" (udp-in-udp).
	UDP string `yaml:"udp"`
	// Pipeline sends greeting+auth+request in one write before reading any
	// server response. No client payload bytes are included in that write.
	Pipeline bool `yaml:"pipeline"`
	// Mark is SO_MARK applied to every outbound socket towards the
	// upstream, accepted as decimal or 0x-prefixed hex.
	Mark uint32 `yaml:"mark"`
	// UDPAddr, when UDPInUDP is set, replaces the UDP association's
	// outbound host (steering), never the per-datagram destination.
	UDPAddr string `yaml:"udp-addr"`

	UDPInUDP bool `yaml:"-"`
}

// Listener describes a bound address for the tcp/udp/dns listeners.
type Listener struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DNS describes the DNS passthrough listener and the upstream resolver its
// queries are relayed to over plain UDP (not through the SOCKS5 server).
type DNS struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Upstream string `yaml:"upstream"`
}

type Misc struct {
	TaskStackSize     int    `yaml:"task-stack-size"`
	UDPRecvBufferSize int    `yaml:"udp-recv-buffer-size"`
	UDPCopyBufferNums int    `yaml:"udp-copy-buffer-nums"`
	ConnectTimeout    int    `yaml:"connect-timeout"`
	ReadWriteTimeout  int    `yaml:"read-write-timeout"`
	LimitNofile       int    `yaml:"limit-nofile"`
	PidFile           string `yaml:"pid-file"`
	LogFile           string `yaml:"log-file"`
	LogLevel          string `yaml:"log-level"`
}

type mainSection struct {
	Workers int `yaml:"workers"`
}

// Config is the immutable, validated configuration record the rest of the
// forwarder consumes (spec.md 3).
type Config struct {
	Main   mainSection `yaml:"main"`
	Socks5 Socks5      `yaml:"socks5"`
	TCP    *Listener   `yaml:"tcp"`
	UDP    *Listener   `yaml:"udp"`
	DNS    *DNS        `yaml:"dns"`
	Misc   Misc        `yaml:"misc"`
}

func (c *Config) Workers() int { return c.Main.Workers }

var log = logx.New(logx.WithPrefix("config"))

// Load reads and validates the config at path, falling back to
// /etc/tproxysocks5/config.yaml if path cannot be read (mirrors the
// teacher's config.Load fallback). It returns the record, the path that was
// actually used, and any error.
func Load(path string) (*Config, string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		path = defaultConfigPath
		b, err = os.ReadFile(path)
		if err != nil {
			log.Errorf("open config: no such file or directory")
			return nil, path, err
		}
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, path, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&c)

	if err := validate(&c); err != nil {
		return nil, path, err
	}

	return &c, path, nil
}

func applyDefaults(c *Config) {
	if c.Main.Workers <= 0 {
		c.Main.Workers = DefaultWorkers
	}
	if c.Misc.TaskStackSize <= 0 {
		c.Misc.TaskStackSize = DefaultTaskStackSize
	}
	if c.Misc.UDPRecvBufferSize <= 0 {
		c.Misc.UDPRecvBufferSize = DefaultUDPRecvBufferSize
	}
	if c.Misc.UDPCopyBufferNums <= 0 {
		c.Misc.UDPCopyBufferNums = DefaultUDPCopyBufferNums
	}
	if c.Misc.ConnectTimeout <= 0 {
		c.Misc.ConnectTimeout = DefaultConnectTimeoutMs
	}
	if c.Misc.ReadWriteTimeout <= 0 {
		c.Misc.ReadWriteTimeout = DefaultReadWriteTimeout
	}
	if c.Misc.LimitNofile <= 0 {
		c.Misc.LimitNofile = DefaultLimitNofile
	}
	if c.Misc.LogLevel == "" {
		c.Misc.LogLevel = DefaultLogLevel
	}
	c.Socks5.UDPInUDP = c.Socks5.UDP == "udp"
}

// validate enforces spec.md 3: at least one of tcp/udp/dns must be
// configured, and the upstream socks5 server must be named.
func validate(c *Config) error {
	if c.Socks5.Address == "" || c.Socks5.Port == 0 {
		return fmt.Errorf("config: socks5.address and socks5.port are required")
	}
	if c.TCP == nil && c.UDP == nil && c.DNS == nil {
		return fmt.Errorf("config: at least one of tcp, udp, dns must be configured")
	}
	if c.DNS != nil && c.DNS.Upstream == "" {
		return fmt.Errorf("config: dns.upstream is required when dns is configured")
	}
	switch c.Socks5.UDP {
	case "", "tcp", "udp":
	default:
		return fmt.Errorf("config: socks5.udp must be %q or %q, got %q", "tcp", "udp", c.Socks5.UDP)
	}
	return nil
}

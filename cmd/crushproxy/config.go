// File: cmd/crushproxy/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/momentics/crushproxy/api"
	"github.com/momentics/crushproxy/throttle"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	modeTCP = "tcp"
	modeUDP = "udp"
)

// ThrottleConfig describes the shaping of one direction. Zero values
// disable the corresponding throttler. A zero Burst lets one second worth
// of TokenRate through at once.
type ThrottleConfig struct {
	ByteRate   int64         `yaml:"byte_rate"`
	PacketRate int64         `yaml:"packet_rate"`
	TokenRate  int64         `yaml:"token_rate"`
	Burst      int           `yaml:"burst"`
	Delay      time.Duration `yaml:"delay"`
	Jitter     time.Duration `yaml:"jitter"`
}

// Config is the command line and YAML configuration of the proxy.
type Config struct {
	Mode              string         `yaml:"mode"`
	Bind              string         `yaml:"bind"`
	Connect           string         `yaml:"connect"`
	BufferCount       int            `yaml:"buffer_count"`
	BufferSize        int            `yaml:"buffer_size"`
	ConnectTimeout    time.Duration  `yaml:"connect_timeout"`
	LingerTimeout     time.Duration  `yaml:"linger_timeout"`
	MaxIdle           time.Duration  `yaml:"max_idle"`
	DeferredListeners bool           `yaml:"deferred_listeners"`
	Dump              bool           `yaml:"dump"`
	LogLevel          string         `yaml:"log_level"`
	CPUs              []int          `yaml:"cpus"`
	Incoming          ThrottleConfig `yaml:"incoming"`
	Outgoing          ThrottleConfig `yaml:"outgoing"`
}

// DefaultConfig returns the configuration used when nothing is set. Zero
// buffer and timeout values keep the defaults of the chosen relay.
func DefaultConfig() Config {
	return Config{
		Mode:     modeTCP,
		LogLevel: "info",
	}
}

// parseConfig reads --config first, loads the YAML file and then lets the
// remaining flags override it.
func parseConfig(args []string) (Config, error) {
	pre := pflag.NewFlagSet("crushproxy", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.SetOutput(io.Discard)
	path := pre.String("config", "", "")
	_ = pre.Parse(args)

	cfg := DefaultConfig()
	if *path != "" {
		if err := loadConfig(*path, &cfg); err != nil {
			return cfg, err
		}
	}

	fs := pflag.NewFlagSet("crushproxy", pflag.ContinueOnError)
	fs.String("config", *path, "YAML configuration file")
	bindFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVarP(&cfg.Mode, "mode", "m", cfg.Mode, "relay mode: tcp or udp")
	fs.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "address to listen on, host:port")
	fs.StringVarP(&cfg.Connect, "connect", "c", cfg.Connect, "address of the real endpoint, host:port")
	fs.IntVar(&cfg.BufferCount, "buffer-count", cfg.BufferCount, "buffer cells per direction, 0 for the relay default")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "bytes per buffer cell, 0 for the relay default")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "tcp: outbound connect timeout")
	fs.DurationVar(&cfg.LingerTimeout, "linger-timeout", cfg.LingerTimeout, "tcp: how long a half-closed pair may live")
	fs.DurationVar(&cfg.MaxIdle, "max-idle", cfg.MaxIdle, "udp: evict idle sessions when a new client shows up")
	fs.BoolVar(&cfg.DeferredListeners, "deferred-listeners", cfg.DeferredListeners, "run session listeners off the I/O goroutine")
	fs.BoolVar(&cfg.Dump, "dump", cfg.Dump, "hex dump relayed data at debug level")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, error or fatal")
	fs.IntSliceVar(&cfg.CPUs, "cpus", cfg.CPUs, "pin the I/O thread to these CPUs")
	bindThrottleFlags(fs, "in", "endpoint to client", &cfg.Incoming)
	bindThrottleFlags(fs, "out", "client to endpoint", &cfg.Outgoing)
}

func bindThrottleFlags(fs *pflag.FlagSet, prefix, direction string, t *ThrottleConfig) {
	fs.Int64Var(&t.ByteRate, prefix+"-byte-rate", t.ByteRate, "bytes per second, "+direction)
	fs.Int64Var(&t.PacketRate, prefix+"-packet-rate", t.PacketRate, "packets per second, "+direction)
	fs.Int64Var(&t.TokenRate, prefix+"-token-rate", t.TokenRate, "token bucket bytes per second, "+direction)
	fs.IntVar(&t.Burst, prefix+"-burst", t.Burst, "token bucket size in bytes, "+direction)
	fs.DurationVar(&t.Delay, prefix+"-delay", t.Delay, "constant delay, "+direction)
	fs.DurationVar(&t.Jitter, prefix+"-jitter", t.Jitter, "random extra delay, "+direction)
}

func loadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks values the relay options cannot check themselves.
func (c Config) Validate() error {
	if c.Mode != modeTCP && c.Mode != modeUDP {
		return api.InvalidOption("mode", c.Mode, "mode must be tcp or udp")
	}
	if c.Bind == "" {
		return api.InvalidOption("bind", c.Bind, "bind address is required")
	}
	if c.Connect == "" {
		return api.InvalidOption("connect", c.Connect, "connect address is required")
	}
	if c.BufferCount < 0 || c.BufferSize < 0 {
		return api.InvalidOption("buffer", [2]int{c.BufferCount, c.BufferSize}, "buffer values must not be negative")
	}
	if c.ConnectTimeout < 0 || c.LingerTimeout < 0 || c.MaxIdle < 0 {
		return api.InvalidOption("timeout", [3]time.Duration{c.ConnectTimeout, c.LingerTimeout, c.MaxIdle}, "timeouts must not be negative")
	}
	for _, t := range []ThrottleConfig{c.Incoming, c.Outgoing} {
		if t.ByteRate < 0 || t.PacketRate < 0 || t.TokenRate < 0 || t.Burst < 0 || t.Delay < 0 || t.Jitter < 0 {
			return api.InvalidOption("throttle", t, "throttle values must not be negative")
		}
	}
	return nil
}

// resolve turns host:port into an address for the given mode.
func resolve(mode, hostport string) (netip.AddrPort, error) {
	var ap netip.AddrPort
	switch mode {
	case modeUDP:
		addr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return ap, err
		}
		ap = addr.AddrPort()
	default:
		addr, err := net.ResolveTCPAddr("tcp", hostport)
		if err != nil {
			return ap, err
		}
		ap = addr.AddrPort()
	}
	if !ap.Addr().IsValid() {
		// ":port" listens on every IPv4 interface
		return netip.AddrPortFrom(netip.IPv4Unspecified(), ap.Port()), nil
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// factory combines the configured throttlers. It returns nil when the
// direction is not throttled.
func (t ThrottleConfig) factory() (api.ThrottlerFactory, error) {
	var parts []api.ThrottlerFactory
	if t.ByteRate > 0 {
		f, err := throttle.ByteRateFactory(t.ByteRate, time.Second)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	if t.PacketRate > 0 {
		f, err := throttle.PacketRateFactory(t.PacketRate, time.Second)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	if t.TokenRate > 0 {
		burst := t.Burst
		if burst == 0 {
			burst = int(t.TokenRate)
		}
		f, err := throttle.TokenBucketFactory(float64(t.TokenRate), burst, nil)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	if t.Delay > 0 || t.Jitter > 0 {
		parts = append(parts, throttle.DelayFactory(t.Delay, t.Jitter))
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return throttle.Sum(parts...)
	}
}

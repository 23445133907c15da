// Package config defines the TOML configuration format that drives
// cmd/netstackd: which devices to bring up, which IPv4 interfaces and
// routes to configure on them, and protocol tunables such as MTU, default
// TTL, and the UDP ephemeral port range.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultConfigDir is the system-wide config directory for netstackd.
const DefaultConfigDir = "/etc/netstackd"

// DefaultMTU is the standard Ethernet MTU. It is not applied to any device:
// each link driver registers its device with its own fixed MTU.
const DefaultMTU = 1500

// Config is the top-level netstackd configuration, persisted as TOML at
// DefaultConfigPath().
type Config struct {
	Devices  []DeviceConfig `toml:"device"`
	Routes   []RouteConfig  `toml:"route,omitempty"`
	Tunables TunablesConfig `toml:"tunables"`
}

// DeviceConfig describes one link-layer device to bring up and, optionally,
// the IPv4 interface bound to it.
type DeviceConfig struct {
	// Name is the device name as it will be registered with the stack
	// (informational only; the stack itself assigns "net%d" names).
	Name string `toml:"name"`

	// Kind selects the driver: "loopback", "dummy", or "tap".
	Kind string `toml:"kind"`

	// TAPName is the host TAP interface name, used only when Kind == "tap".
	TAPName string `toml:"tap_name,omitempty"`

	// HardwareAddr is the device's link-layer address in colon-hex
	// notation (e.g. "02:00:00:00:00:01"), used only when Kind == "tap".
	HardwareAddr string `toml:"hardware_addr,omitempty"`

	// MTU is recorded in the config and printed by "netstackd status". It
	// is not applied to the registered device, whose MTU is fixed by its
	// driver (65535 for loopback, 1500 for dummy and tap).
	MTU int `toml:"mtu,omitempty"`

	// Address is the IPv4 interface address in CIDR notation (e.g.
	// "127.0.0.1/8"), or empty if this device carries no IPv4 interface.
	Address string `toml:"address,omitempty"`

	// MirrorToHost mirrors this device's address and routes into the host
	// kernel's own interface/routing tables via internal/link's netlink
	// helpers, so host tools (ping, tcpdump) can reach the TAP device while
	// this stack's own engines still own the protocol processing. Only
	// meaningful when Kind == "tap".
	MirrorToHost bool `toml:"mirror_to_host,omitempty"`
}

// RouteConfig describes one static IPv4 route to install, in addition to
// the on-link routes each Address above implies.
type RouteConfig struct {
	// Network is the destination network in CIDR notation, or "0.0.0.0/0"
	// for a default route.
	Network string `toml:"network"`

	// Nexthop is the next-hop IPv4 address, or "0.0.0.0" for an on-link
	// route.
	Nexthop string `toml:"nexthop"`

	// Device is the name of the DeviceConfig this route's interface
	// belongs to.
	Device string `toml:"device"`
}

// TunablesConfig holds protocol knobs in the config file. They are loaded,
// saved and printed by "netstackd status", but the protocol engines do not
// read them: ipv4 always sends with TTL 255 and udp always scans
// 49152-65535 for an ephemeral port.
type TunablesConfig struct {
	// DefaultTTL records the IPv4 TTL for outgoing datagrams.
	DefaultTTL int `toml:"default_ttl,omitempty"`

	// UDPEphemeralPortMin/Max record the source port range for
	// auto-assigned UDP ports.
	UDPEphemeralPortMin int `toml:"udp_ephemeral_port_min,omitempty"`
	UDPEphemeralPortMax int `toml:"udp_ephemeral_port_max,omitempty"`
}

// DefaultConfig returns a Config with a single loopback device at
// 127.0.0.1/8 and conservative tunable defaults.
func DefaultConfig() *Config {
	return &Config{
		Devices: []DeviceConfig{
			{Name: "lo", Kind: "loopback", MTU: 65535, Address: "127.0.0.1/8"},
		},
		Tunables: TunablesConfig{
			DefaultTTL:          255,
			UDPEphemeralPortMin: 49152,
			UDPEphemeralPortMax: 65535,
		},
	}
}

// DefaultConfigPath returns the default path for the netstackd config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.toml")
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func (cfg *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", filepath.Dir(path), err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// Validate checks cfg for obvious inconsistencies: unknown device kinds,
// routes referencing a device that isn't configured, a tap device without
// a tap_name, and mirror_to_host set on a non-tap device.
func (cfg *Config) Validate() error {
	names := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		switch d.Kind {
		case "loopback", "dummy":
			if d.MirrorToHost {
				return fmt.Errorf("device %q: mirror_to_host is only valid for kind=tap", d.Name)
			}
		case "tap":
			if d.TAPName == "" {
				return fmt.Errorf("device %q: tap_name is required for kind=tap", d.Name)
			}
		default:
			return fmt.Errorf("device %q: unknown kind %q", d.Name, d.Kind)
		}
		names[d.Name] = true
	}
	for _, r := range cfg.Routes {
		if !names[r.Device] {
			return fmt.Errorf("route %s: references undefined device %q", r.Network, r.Device)
		}
	}
	return nil
}

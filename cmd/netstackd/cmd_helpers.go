package main

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/kuuji/netstack/internal/arp"
	"github.com/kuuji/netstack/internal/config"
	"github.com/kuuji/netstack/internal/icmp"
	"github.com/kuuji/netstack/internal/ipv4"
	"github.com/kuuji/netstack/internal/link"
	"github.com/kuuji/netstack/internal/stack"
	"github.com/kuuji/netstack/internal/tcp"
	"github.com/kuuji/netstack/internal/udp"
)

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/netstackd/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// builtStack is every engine assembled from a config.Config, wired together
// but not yet Run.
type builtStack struct {
	stack      *stack.Stack
	arp        *arp.Cache
	ip         *ipv4.Engine
	icmp       *icmp.Engine
	udp        *udp.Engine
	tcp        *tcp.Engine
	devices    map[string]*stack.Device
	interfaces map[string]*ipv4.Interface

	// mirroredRoutes records the host-side (tapName, cidr) pairs MirrorRoute
	// installed, so Shutdown can undo them via UnmirrorRoute.
	mirroredRoutes []mirroredRoute
}

type mirroredRoute struct {
	tapName string
	cidr    string
}

// buildStack assembles every protocol engine from cfg, registers each
// configured device with its driver, binds IPv4 interfaces, and installs
// the configured routes, without opening or running anything yet. When
// mirrorToHost is true, devices/routes configured with MirrorToHost are
// also mirrored into the host kernel via internal/link's netlink helpers;
// callers that only inspect the assembled stack (e.g. the route command)
// pass false so that no address or route is mirrored into the host; a tap
// device is still attached to its host TAP interface by link.NewTAP.
func buildStack(cfg *config.Config, logger *slog.Logger, mirrorToHost bool) (*builtStack, error) {
	s := stack.New(logger)

	arpCache := arp.New(s)
	if err := arpCache.Register(); err != nil {
		return nil, fmt.Errorf("registering arp: %w", err)
	}

	ip := ipv4.New(s, arpCache)
	if err := ip.Register(); err != nil {
		return nil, fmt.Errorf("registering ipv4: %w", err)
	}

	icmpEngine := icmp.New(ip, s.Logger("icmp"))
	if err := icmpEngine.Register(); err != nil {
		return nil, fmt.Errorf("registering icmp: %w", err)
	}

	udpEngine := udp.New(ip, s.Logger("udp"))
	if err := udpEngine.Register(); err != nil {
		return nil, fmt.Errorf("registering udp: %w", err)
	}

	tcpEngine := tcp.New(ip, s.Logger("tcp"))
	if err := tcpEngine.Register(); err != nil {
		return nil, fmt.Errorf("registering tcp: %w", err)
	}

	bs := &builtStack{
		stack:      s,
		arp:        arpCache,
		ip:         ip,
		icmp:       icmpEngine,
		udp:        udpEngine,
		tcp:        tcpEngine,
		devices:    make(map[string]*stack.Device),
		interfaces: make(map[string]*ipv4.Interface),
	}

	tapNames := make(map[string]string)

	for _, dc := range cfg.Devices {
		dev, err := registerDevice(s, dc)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", dc.Name, err)
		}
		bs.devices[dc.Name] = dev

		if dc.Address == "" {
			continue
		}
		addr, netmask, err := parseCIDR(dc.Address)
		if err != nil {
			return nil, fmt.Errorf("device %q: address %q: %w", dc.Name, dc.Address, err)
		}
		iface, err := ip.AddInterface(dev, addr, netmask)
		if err != nil {
			return nil, fmt.Errorf("device %q: binding interface: %w", dc.Name, err)
		}
		bs.interfaces[dc.Name] = iface

		if mirrorToHost && dc.Kind == "tap" && dc.MirrorToHost {
			if err := link.AddAddress(dc.TAPName, dc.Address); err != nil {
				return nil, fmt.Errorf("device %q: mirroring address to host: %w", dc.Name, err)
			}
			if err := link.SetLinkUp(dc.TAPName); err != nil {
				return nil, fmt.Errorf("device %q: bringing host interface up: %w", dc.Name, err)
			}
			tapNames[dc.Name] = dc.TAPName
		}
	}

	for _, rc := range cfg.Routes {
		iface, ok := bs.interfaces[rc.Device]
		if !ok {
			return nil, fmt.Errorf("route %s: device %q has no IPv4 interface", rc.Network, rc.Device)
		}
		network, netmask, err := parseCIDR(rc.Network)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Network, err)
		}
		nexthop, err := ipv4.ParseAddr(rc.Nexthop)
		if err != nil {
			return nil, fmt.Errorf("route %s: nexthop %q: %w", rc.Network, rc.Nexthop, err)
		}
		if network == ipv4.Any && netmask == ipv4.Any {
			ip.Routes.SetDefaultGateway(nexthop, iface)
			continue
		}
		ip.Routes.Add(network, netmask, nexthop, iface)

		if tapName, ok := tapNames[rc.Device]; ok {
			if err := link.MirrorRoute(tapName, rc.Network); err != nil {
				return nil, fmt.Errorf("route %s: mirroring to host: %w", rc.Network, err)
			}
			bs.mirroredRoutes = append(bs.mirroredRoutes, mirroredRoute{tapName: tapName, cidr: rc.Network})
		}
	}

	return bs, nil
}

// teardownHostMirrors undoes every MirrorRoute this builtStack installed,
// logging (rather than failing) on error since this runs during shutdown.
func (bs *builtStack) teardownHostMirrors(logger *slog.Logger) {
	for _, r := range bs.mirroredRoutes {
		if err := link.UnmirrorRoute(r.tapName, r.cidr); err != nil {
			logger.Warn("unmirroring host route", "tap", r.tapName, "route", r.cidr, "error", err)
		}
	}
}

// registerDevice registers a single driver with s according to dc.Kind.
func registerDevice(s *stack.Stack, dc config.DeviceConfig) (*stack.Device, error) {
	switch dc.Kind {
	case "loopback":
		return link.NewLoopback(s).Device(), nil
	case "dummy":
		return link.NewDummy(s).Device(), nil
	case "tap":
		hw, err := parseHardwareAddr(dc.HardwareAddr)
		if err != nil {
			return nil, fmt.Errorf("hardware_addr %q: %w", dc.HardwareAddr, err)
		}
		tap, err := link.NewTAP(s, dc.TAPName, hw)
		if err != nil {
			return nil, err
		}
		return tap.Device(), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", dc.Kind)
	}
}

// parseCIDR parses "<ip>/<prefixlen>" into an ipv4.Addr/netmask pair,
// accepting "0.0.0.0/0" as the default-route spelling.
func parseCIDR(s string) (ipv4.Addr, ipv4.Addr, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return ipv4.Addr{}, ipv4.Addr{}, fmt.Errorf("expected CIDR notation, got %q", s)
	}
	addr, err := ipv4.ParseAddr(s[:idx])
	if err != nil {
		return ipv4.Addr{}, ipv4.Addr{}, err
	}
	prefixLen, err := strconv.Atoi(s[idx+1:])
	if err != nil || prefixLen < 0 || prefixLen > 32 {
		return ipv4.Addr{}, ipv4.Addr{}, fmt.Errorf("invalid prefix length in %q", s)
	}
	maskBits := net.CIDRMask(prefixLen, 32)
	var netmask ipv4.Addr
	copy(netmask[:], maskBits)
	return addr, netmask, nil
}

func parseHardwareAddr(s string) (stack.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return stack.HardwareAddr{}, err
	}
	var hw stack.HardwareAddr
	copy(hw[:], mac)
	return hw, nil
}

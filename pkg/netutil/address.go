package netutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/mcm/pkg/log"
)

const (
	// DiscoveryBudget bounds how long address discovery keeps retrying
	// before the node gives up and exits.
	DiscoveryBudget = 5 * time.Minute

	// DiscoveryInterval is the pause between discovery attempts.
	DiscoveryInterval = 1 * time.Second
)

// Discoverer resolves the node's own routable IPv4 address by intersecting
// the DNS answer for the bootstrap service with the addresses of the local
// non-loopback interfaces. The lookup functions are injectable for tests.
type Discoverer struct {
	LookupIP   func(host string) ([]net.IP, error)
	Interfaces func() ([]net.Interface, error)
	Addrs      func(iface net.Interface) ([]net.Addr, error)

	Interval time.Duration
	Budget   time.Duration
}

// NewDiscoverer creates a Discoverer backed by the standard resolver.
func NewDiscoverer() *Discoverer {
	return &Discoverer{
		LookupIP:   net.LookupIP,
		Interfaces: net.Interfaces,
		Addrs:      func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() },
		Interval:   DiscoveryInterval,
		Budget:     DiscoveryBudget,
	}
}

// Discover resolves tasks.<service> and returns the local IPv4 address that
// appears both in the DNS answer and on a local interface. It retries for the
// configured budget before failing.
func (d *Discoverer) Discover(ctx context.Context, service string) (string, error) {
	logger := log.WithComponent("netutil")
	host := fmt.Sprintf("tasks.%s", service)
	deadline := time.Now().Add(d.Budget)

	for {
		addr, err := d.discoverOnce(host)
		if err == nil {
			logger.Debug().Str("address", addr).Str("host", host).Msg("Discovered local address")
			return addr, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("failed to discover local address via %s: %w", host, err)
		}

		logger.Debug().Err(err).Msg("Address discovery attempt failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.Interval):
		}
	}
}

// DiscoverOnInterface returns the first IPv4 address bound to the named
// interface. Used when MCM_BIND_INTERFACE pins the interface explicitly.
func (d *Discoverer) DiscoverOnInterface(name string) (string, error) {
	ifaces, err := d.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Name != name {
			continue
		}
		addrs, err := d.Addrs(iface)
		if err != nil {
			return "", fmt.Errorf("failed to list addresses of %s: %w", name, err)
		}
		for _, addr := range addrs {
			if ip := ipv4Of(addr); ip != "" {
				return ip, nil
			}
		}
	}

	return "", fmt.Errorf("no IPv4 address on interface %s", name)
}

func (d *Discoverer) discoverOnce(host string) (string, error) {
	ips, err := d.LookupIP(host)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	resolved := make(map[string]bool, len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			resolved[v4.String()] = true
		}
	}

	ifaces, err := d.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := d.Addrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip := ipv4Of(addr)
			if ip != "" && resolved[ip] {
				return ip, nil
			}
		}
	}

	return "", fmt.Errorf("no local interface address matches DNS answer for %s", host)
}

func ipv4Of(addr net.Addr) string {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPNet:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ""
}

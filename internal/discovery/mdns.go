// ABOUTME: mDNS advertisement and browsing of pairing services via zeroconf
// ABOUTME: TXT records carry the device id and type of each node

package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceType is the mDNS service type of the tether HTTP API.
	ServiceType = "_tether._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// TXTVersion is the value of the v= TXT record.
	TXTVersion = "1"

	maxInstanceNameLen = 63
)

// Node is a tether node found by Browse.
type Node struct {
	Instance   string
	DeviceID   string
	DeviceType string
	Host       string
	Port       int
	Addresses  []string
}

// Endpoint returns the base URL of the node's HTTP API, preferring IPv4.
func (n *Node) Endpoint() string {
	host := n.Host
	if len(n.Addresses) > 0 {
		host = n.Addresses[0]
	}
	return "http://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(n.Port))
}

// TXTRecords builds the TXT strings advertised for a device.
func TXTRecords(deviceID, deviceType string) []string {
	return []string{
		"id=" + deviceID,
		"type=" + deviceType,
		"v=" + TXTVersion,
	}
}

// parseTXT turns key=value strings into a map. Strings without '=' are ignored.
func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// Advertiser publishes the local HTTP API over mDNS.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Advertise registers the service. Calling it again replaces the previous
// registration.
func (a *Advertiser) Advertise(deviceID, deviceType string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	instance := "tether-" + deviceID
	if len(instance) > maxInstanceNameLen {
		instance = instance[:maxInstanceNameLen]
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		TXTRecords(deviceID, deviceType),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse collects tether nodes advertised on the LAN for the given duration.
// Entries with a different TXT version are skipped.
func Browse(ctx context.Context, wait time.Duration) ([]*Node, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed)
	}()

	nodes := make(map[string]*Node)
	var order []string
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			n := nodeFromEntry(entry)
			if n == nil {
				continue
			}
			if existing, found := nodes[n.Instance]; found {
				existing.Addresses = mergeAddresses(existing.Addresses, n.Addresses)
				continue
			}
			nodes[n.Instance] = n
			order = append(order, n.Instance)

		case <-removed:

		case <-ctx.Done():
			out := make([]*Node, 0, len(order))
			for _, name := range order {
				out = append(out, nodes[name])
			}
			return out, nil

		case err := <-errc:
			if err != nil {
				return nil, fmt.Errorf("mdns browse: %w", err)
			}
			errc = nil
		}
	}
}

func nodeFromEntry(entry *zeroconf.ServiceEntry) *Node {
	txt := parseTXT(entry.Text)
	if txt["v"] != TXTVersion || txt["id"] == "" {
		return nil
	}

	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}

	return &Node{
		Instance:   entry.Instance,
		DeviceID:   txt["id"],
		DeviceType: txt["type"],
		Host:       entry.HostName,
		Port:       entry.Port,
		Addresses:  addrs,
	}
}

func mergeAddresses(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, addr := range a {
		seen[addr] = true
	}
	for _, addr := range b {
		if !seen[addr] {
			a = append(a, addr)
			seen[addr] = true
		}
	}
	return a
}

// ABOUTME: Collection of stable hardware attributes and device id derivation
// ABOUTME: The device id is a pure function of the attributes, never of wall-clock time

package identity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Hardware is the set of attributes the device id is derived from.
type Hardware struct {
	MAC  string
	CPU  string
	Host string
	OS   string
	Arch string
}

// Fingerprint returns hex(SHA-256(mac|cpu|host|os|arch)).
func (h Hardware) Fingerprint() string {
	sum := h.digest()
	return hex.EncodeToString(sum[:])
}

// DeviceID returns the first 16 bytes of the fingerprint digest, hex encoded.
func (h Hardware) DeviceID() string {
	sum := h.digest()
	return hex.EncodeToString(sum[:16])
}

func (h Hardware) digest() [32]byte {
	return sha256.Sum256([]byte(strings.Join([]string{h.MAC, h.CPU, h.Host, h.OS, h.Arch}, "|")))
}

// CollectHardware reads the attributes of the machine the process runs on.
func CollectHardware() Hardware {
	host, _ := os.Hostname()
	return Hardware{
		MAC:  primaryMAC(),
		CPU:  cpuModel(),
		Host: host,
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
}

// nic is what primaryMAC considers about a network interface.
type nic struct {
	name     string
	mac      net.HardwareAddr
	loopback bool
	physical bool
}

// virtualPrefixes name interfaces created by container runtimes, VPNs,
// hypervisors and the OS itself. Their addresses come and go with the
// software that owns them.
var virtualPrefixes = []string{
	"awdl", "br-", "bridge", "cali", "cni", "docker", "flannel", "llw",
	"tailscale", "tap", "tun", "utun", "veth", "vboxnet", "virbr", "vmnet", "wg", "zt",
}

// primaryMAC returns the hardware address the device id is derived from.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	nics := make([]nic, 0, len(ifaces))
	for _, iface := range ifaces {
		nics = append(nics, nic{
			name:     iface.Name,
			mac:      iface.HardwareAddr,
			loopback: iface.Flags&net.FlagLoopback != 0,
			physical: hasDeviceLink(iface.Name),
		})
	}
	return choosePrimaryMAC(nics)
}

// hasDeviceLink reports whether sysfs backs the interface with a device.
// Bridges, veth pairs and tunnels have none. Always false off Linux.
func hasDeviceLink(name string) bool {
	_, err := os.Stat(filepath.Join("/sys/class/net", name, "device"))
	return err == nil
}

// choosePrimaryMAC ranks interfaces and returns the best address. Physical
// interfaces beat named ones and globally administered addresses beat
// locally administered ones. Link state is ignored so an unplugged cable
// does not change the device id. Ties go to the lowest name.
func choosePrimaryMAC(nics []nic) string {
	var best *nic
	bestRank := 0
	for i := range nics {
		n := &nics[i]
		r := macRank(n)
		if r == 0 {
			continue
		}
		if r > bestRank || (r == bestRank && n.name < best.name) {
			best, bestRank = n, r
		}
	}
	if best == nil {
		return ""
	}
	return best.mac.String()
}

func macRank(n *nic) int {
	if n.loopback || len(n.mac) == 0 || isVirtualName(n.name) {
		return 0
	}
	rank := 1
	if n.physical {
		rank += 2
	}
	if n.mac[0]&0x02 == 0 {
		rank++
	}
	return rank
}

func isVirtualName(name string) bool {
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func cpuModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return runtime.GOARCH
	}
	defer f.Close()

	if model := parseCPUInfo(bufio.NewScanner(f)); model != "" {
		return model
	}
	return runtime.GOARCH
}

// parseCPUInfo returns the first "model name" (x86) or "Model"/"Hardware"
// (ARM boards) value.
func parseCPUInfo(sc *bufio.Scanner) string {
	var fallback string
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "model name":
			return value
		case "Model", "Hardware":
			if fallback == "" {
				fallback = value
			}
		}
	}
	return fallback
}

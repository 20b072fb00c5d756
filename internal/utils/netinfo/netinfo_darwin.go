//go:build darwin

package netinfo

import (
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// routeField returns a "key: value" line from `route -n get default`.
func routeField(key string) (string, error) {
	out, err := exec.Command("route", "-n", "get", "default").Output()
	if err != nil {
		return "", fmt.Errorf("route -n get default: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, key+":"); ok {
			return strings.TrimSpace(v), nil
		}
	}
	return "", fmt.Errorf("default route %s: %w", key, ErrNotFound)
}

func defaultInterface() (string, error) {
	return routeField("interface")
}

func getGatewayIP(string) (net.IP, error) {
	v, err := routeField("gateway")
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(v).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid gateway IP %q in route output", v)
	}
	return ip, nil
}

var macRe = regexp.MustCompile(`at\s+([0-9a-fA-F:]+)`)

func getARPEntry(ip string) (net.HardwareAddr, error) {
	out, err := exec.Command("arp", "-n", ip).Output()
	if err != nil {
		return nil, fmt.Errorf("arp -n %s: %w", ip, err)
	}
	m := macRe.FindStringSubmatch(string(out))
	if m == nil {
		return nil, fmt.Errorf("ARP entry for %s: %w", ip, ErrNotFound)
	}
	return net.ParseMAC(m[1])
}

// resolveGateway pings once to populate the ARP cache and looks again.
func resolveGateway(_ *net.Interface, gw net.IP) (net.HardwareAddr, error) {
	exec.Command("ping", "-c", "1", "-t", "1", gw.String()).Run()
	time.Sleep(100 * time.Millisecond)
	return getARPEntry(gw.String())
}

package netinfo

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a route or neighbour entry is missing.
var ErrNotFound = errors.New("not found")

// NetworkDetails holds the discovered configuration.
type NetworkDetails struct {
	Interface  *net.Interface
	SrcIP      net.IP
	SrcMAC     net.HardwareAddr
	GatewayIP  net.IP
	GatewayMAC net.HardwareAddr
}

// Overrides pin values that would otherwise be discovered.
type Overrides struct {
	SrcIP      net.IP
	GatewayMAC net.HardwareAddr
}

// GetDetails discovers network info for the given interface. An empty name
// selects the interface carrying the default route.
func GetDetails(ifaceName string, ov Overrides) (*NetworkDetails, error) {
	if ifaceName == "" {
		name, err := defaultInterface()
		if err != nil {
			return nil, fmt.Errorf("no interface given and no default route: %w", err)
		}
		ifaceName = name
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("interface not found: %w", err)
	}

	srcIP := ov.SrcIP.To4()
	if srcIP == nil {
		if srcIP, err = interfaceIPv4(iface); err != nil {
			return nil, err
		}
	}

	nd := &NetworkDetails{
		Interface: iface,
		SrcIP:     srcIP,
		SrcMAC:    iface.HardwareAddr,
	}
	if len(nd.SrcMAC) == 0 {
		// Point-to-point: no link layer, no gateway to resolve.
		return nd, nil
	}
	if ov.GatewayMAC != nil {
		nd.GatewayMAC = ov.GatewayMAC
		log.WithField("mac", ov.GatewayMAC).Debug("Using configured gateway MAC")
		return nd, nil
	}

	if nd.GatewayIP, err = getGatewayIP(ifaceName); err != nil {
		return nil, fmt.Errorf("failed to find gateway: %w", err)
	}
	if nd.GatewayMAC, err = getARPEntry(nd.GatewayIP.String()); err == nil {
		return nd, nil
	}
	log.WithField("gateway", nd.GatewayIP).Debug("Gateway not in neighbour cache, resolving")
	if nd.GatewayMAC, err = resolveGateway(iface, nd.GatewayIP); err != nil {
		return nil, fmt.Errorf("failed to resolve gateway MAC %s (set --gw-mac): %w", nd.GatewayIP, err)
	}
	return nd, nil
}

func interfaceIPv4(iface *net.Interface) (net.IP, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to get addrs: %w", err)
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4, nil
			}
		}
	}
	return nil, fmt.Errorf("no IPv4 address found on %s", iface.Name)
}

// parseRoute scans a /proc/net/route table for the default route. With an
// empty iface the first default route wins.
func parseRoute(r io.Reader, iface string) (string, net.IP, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		// Iface Destination Gateway ...
		if len(f) < 3 || f[1] != "00000000" {
			continue
		}
		if iface != "" && f[0] != iface {
			continue
		}
		gw, err := parseHexIP(f[2])
		if err != nil {
			continue
		}
		return f[0], gw, nil
	}
	if err := sc.Err(); err != nil {
		return "", nil, err
	}
	return "", nil, fmt.Errorf("default route: %w", ErrNotFound)
}

// parseARP scans a /proc/net/arp table for ip. Incomplete entries carry an
// all-zero MAC and are skipped.
func parseARP(r io.Reader, ip string) (net.HardwareAddr, error) {
	sc := bufio.NewScanner(r)
	sc.Scan() // header
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		// IP HWtype Flags HWaddress Mask Device
		if len(f) < 4 || f[0] != ip {
			continue
		}
		mac, err := net.ParseMAC(f[3])
		if err != nil {
			return nil, err
		}
		if isZero(mac) {
			continue
		}
		return mac, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("ARP entry for %s: %w", ip, ErrNotFound)
}

// parseHexIP decodes the little-endian hex form used by /proc/net/route.
func parseHexIP(s string) (net.IP, error) {
	d, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(d) != 4 {
		return nil, fmt.Errorf("invalid IP length %d", len(d))
	}
	return net.IPv4(d[3], d[2], d[1], d[0]).To4(), nil
}

func isZero(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

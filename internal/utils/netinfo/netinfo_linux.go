//go:build linux

package netinfo

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/mdlayher/arp"
)

const arpTimeout = 2 * time.Second

func defaultInterface() (string, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return "", err
	}
	defer f.Close()
	name, _, err := parseRoute(f, "")
	return name, err
}

func getGatewayIP(iface string) (net.IP, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	_, gw, err := parseRoute(f, iface)
	return gw, err
}

func getARPEntry(ip string) (net.HardwareAddr, error) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseARP(f, ip)
}

// resolveGateway asks the gateway directly with an ARP request.
func resolveGateway(iface *net.Interface, gw net.IP) (net.HardwareAddr, error) {
	addr, ok := netip.AddrFromSlice(gw.To4())
	if !ok {
		return nil, fmt.Errorf("gateway %s is not IPv4", gw)
	}
	c, err := arp.Dial(iface)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(arpTimeout)); err != nil {
		return nil, err
	}
	return c.Resolve(addr)
}

package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"probescan/internal/packet"
	"probescan/internal/probe"
	"probescan/internal/probe/modules"
	"probescan/internal/targets"
	"probescan/internal/utils/netinfo"
	"probescan/internal/validate"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: probescan-diag <iface> <target> [module]\n")
		os.Exit(1)
	}
	ifaceName := os.Args[1]
	targetStr := os.Args[2]
	moduleName := modules.Default
	if len(os.Args) > 3 {
		moduleName = os.Args[3]
	}

	fmt.Println("=== netinfo.GetDetails ===")
	details, err := netinfo.GetDetails(ifaceName, netinfo.Overrides{})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Interface:  %s (mtu %d, %v)\n", details.Interface.Name, details.Interface.MTU, details.Interface.Flags)
	fmt.Printf("SrcIP:      %v\n", details.SrcIP)
	fmt.Printf("SrcMAC:     %v (len=%d)\n", details.SrcMAC, len(details.SrcMAC))
	fmt.Printf("GatewayIP:  %v\n", details.GatewayIP)
	fmt.Printf("GatewayMAC: %v\n", details.GatewayMAC)
	fmt.Printf("Tunnel:     %v\n", len(details.SrcMAC) == 0)

	fmt.Println("\n=== Targets ===")
	m, err := modules.Lookup(moduleName)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	desc := m.Descriptor()
	var ports []uint16
	if desc.PortArgs > 0 {
		ports = []uint16{47808}
	}
	it, err := targets.NewIterator([]string{targetStr}, nil, ports, targets.Options{Sequential: true})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Addresses: %d, Targets: %d\n", it.Addresses(), it.Total())
	tgt, _ := it.Next()
	fmt.Printf("First:     %s\n", tgt)

	fmt.Printf("\n=== Probe (%s) ===\n", desc.Name)
	gen, err := validate.NewRandomGenerator()
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	g, err := m.GlobalInitialize(probe.Settings{
		SourcePorts:   validate.PortRange{First: 32768, Last: 61000},
		TargetPorts:   ports,
		PacketStreams: 1,
		Cookies:       gen,
	})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	tc, err := m.ThreadInitialize(g)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	defer m.Close(g, tc)

	buf := make([]byte, packet.MaxFrameLen)
	if err := m.PrepareTemplate(buf, details.SrcMAC, details.GatewayMAC, g, tc); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	src := packet.IPToUint32(details.SrcIP)
	n, err := m.MakePacket(buf, probe.Target{
		SrcIP:   src,
		DstIP:   tgt.IP,
		DstPort: tgt.Port,
		TTL:     g.TTL,
		IPID:    tc.IPID(),
	}, gen.Derive(src, tgt.IP, tgt.Port), g, tc)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Key:    %s\n", gen.Key())
	fmt.Printf("Length: %d\n", n)
	fmt.Print(hex.Dump(buf[:n]))

	pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.Default)
	for _, l := range pkt.Layers() {
		fmt.Printf("  %s\n", gopacket.LayerString(l))
	}
	if el := pkt.ErrorLayer(); el != nil {
		fmt.Printf("  decode error: %v\n", el.Error())
	}

	if iface, _ := net.InterfaceByName(ifaceName); iface != nil {
		fmt.Printf("\n=== Interface Addresses ===\n")
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			fmt.Printf("  %s\n", a)
		}
	}
}

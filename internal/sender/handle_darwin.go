//go:build darwin

package sender

import (
	"fmt"

	"github.com/google/gopacket/pcap"
)

func newPacketWriter(iface string) (PacketWriter, error) {
	handle, err := pcap.OpenLive(iface, 65536, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap handle: %w", err)
	}
	return handle, nil
}

// utun devices take frames through pcap as well.
func newTunnelWriter(iface string) (PacketWriter, error) {
	return newPacketWriter(iface)
}

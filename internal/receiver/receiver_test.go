package receiver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

func buildFrame(t *testing.T, proto layers.IPProtocol, payload gopacket.SerializableLayer) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      57,
		Protocol: proto,
		SrcIP:    net.IPv4(198, 51, 100, 7),
		DstIP:    net.IPv4(192, 0, 2, 10),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	ls := []gopacket.SerializableLayer{eth, ip, payload}
	if udp, ok := payload.(*layers.UDP); ok {
		udp.SetNetworkLayerForChecksum(ip)
		ls = append(ls, gopacket.Payload{0x81, 0x0a, 0x00, 0x0b})
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeCapture(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replies.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(1500, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	for i, fr := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000+int64(i), 0),
			CaptureLength: len(fr),
			Length:        len(fr),
		}
		if err := w.WritePacket(ci, fr); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestReplayListener(t *testing.T) {
	udp := buildFrame(t, layers.IPProtocolUDP, &layers.UDP{SrcPort: 47808, DstPort: 40000})
	tcp := buildFrame(t, layers.IPProtocolTCP, &layers.TCP{SrcPort: 80, DstPort: 40000, SYN: true, ACK: true, Window: 1024})
	path := writeCapture(t, udp, tcp, udp)

	l, err := NewReplayListener(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if !l.Offline || l.LinkType != layers.LinkTypeEthernet {
		t.Fatalf("offline=%v link=%v", l.Offline, l.LinkType)
	}
	if err := l.SetBPF("udp || icmp", 1500); err != nil {
		t.Fatal(err)
	}

	var n int
	for {
		data, ci, err := l.Handle.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
		ip, ok := l.IPv4(data)
		if !ok || ip.Protocol() != 17 {
			t.Errorf("frame %d: ok=%v", n, ok)
		}
		if ci.Timestamp.Unix()%2 != 0 {
			t.Errorf("tcp frame at %v passed the filter", ci.Timestamp)
		}
	}
	if n != 2 {
		t.Errorf("read %d frames, want 2", n)
	}
}

func TestReplayListener_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pcap")
	if err := os.WriteFile(path, []byte("not a capture file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReplayListener(path); err == nil {
		t.Error("junk accepted")
	}
}

func TestIsTimeout(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{pcap.NextErrorTimeoutExpired, true},
		{fmt.Errorf("read: %w", pcap.NextErrorTimeoutExpired), true},
		{pcap.NextErrorReadError, false},
		{io.EOF, false},
		{errors.New("bad file descriptor"), false},
	}
	for _, c := range cases {
		if got := IsTimeout(c.err); got != c.want {
			t.Errorf("IsTimeout(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestStripLink(t *testing.T) {
	frame := buildFrame(t, layers.IPProtocolUDP, &layers.UDP{SrcPort: 47808, DstPort: 40000})
	ipBytes := frame[14:]

	sll := make([]byte, sllLen, sllLen+len(ipBytes))
	sll[14], sll[15] = 0x08, 0x00
	sll = append(sll, ipBytes...)

	cases := []struct {
		name string
		lt   layers.LinkType
		data []byte
		ok   bool
	}{
		{"ethernet", layers.LinkTypeEthernet, frame, true},
		{"sll", layers.LinkTypeLinuxSLL, sll, true},
		{"raw", layers.LinkTypeRaw, ipBytes, true},
		{"raw truncated", layers.LinkTypeRaw, ipBytes[:12], false},
		{"sll arp", layers.LinkTypeLinuxSLL, append([]byte{14: 0x08, 15: 0x06}, ipBytes...), false},
		{"unknown link", layers.LinkTypeIEEE802_11, frame, false},
	}
	for _, tc := range cases {
		ip, ok := StripLink(tc.lt, tc.data)
		if ok != tc.ok {
			t.Errorf("%s: ok = %v", tc.name, ok)
			continue
		}
		if ok && ip.Src() != 0xc6336407 {
			t.Errorf("%s: src = %08x", tc.name, ip.Src())
		}
	}
}

func TestDumper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accepted.pcap")
	d, err := NewDumper(path, 1500, layers.LinkTypeEthernet)
	if err != nil {
		t.Fatal(err)
	}
	frame := buildFrame(t, layers.IPProtocolUDP, &layers.UDP{SrcPort: 47808, DstPort: 40000})
	if err := d.WritePacket(gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0)}, frame); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	l, err := NewReplayListener(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	data, _, err := l.Handle.ReadPacket()
	if err != nil || len(data) != len(frame) {
		t.Fatalf("read back %d bytes, %v", len(data), err)
	}
	if _, _, err := l.Handle.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Errorf("second read: %v", err)
	}
}

package bacnet

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"probescan/internal/fieldset"
	"probescan/internal/packet"
	"probescan/internal/probe"
	"probescan/internal/validate"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	gwMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}

	scannerIP = net.IP{192, 168, 1, 10}
	targetIP  = net.IP{10, 0, 0, 5}
	routerIP  = net.IP{172, 16, 0, 1}
)

func testGlobal(t *testing.T, args string, policy probe.SourcePortValidation) *probe.Global {
	t.Helper()
	var key [validate.KeyLen]byte
	copy(key[:], "bacnet-test-key!")
	gen, err := validate.NewGenerator(key)
	if err != nil {
		t.Fatal(err)
	}
	g, err := New().GlobalInitialize(probe.Settings{
		SourcePorts:        validate.PortRange{First: 32768, Last: 61000},
		TargetPorts:        []uint16{DefaultPort},
		PacketStreams:      2,
		TTL:                64,
		ValidateSourcePort: policy,
		ProbeArgs:          args,
		Cookies:            gen,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func target(attempt int) probe.Target {
	return probe.Target{
		SrcIP:   packet.IPToUint32(scannerIP),
		DstIP:   packet.IPToUint32(targetIP),
		DstPort: DefaultPort,
		TTL:     64,
		Attempt: attempt,
		IPID:    0x1234,
	}
}

// buildProbe runs the template and mutator for one target and returns the frame.
func buildProbe(t *testing.T, g *probe.Global, tgt probe.Target) ([]byte, validate.Vector) {
	t.Helper()
	m := New()
	tc := probe.NewSeededThreadContext([32]byte{1})
	buf := make([]byte, m.Descriptor().MaxPacketLen)
	if err := m.PrepareTemplate(buf, srcMAC, gwMAC, g, tc); err != nil {
		t.Fatal(err)
	}
	v := g.Cookies.Derive(tgt.SrcIP, tgt.DstIP, tgt.DstPort)
	n, err := m.MakePacket(buf, tgt, v, g, tc)
	if err != nil {
		t.Fatal(err)
	}
	return buf[:n], v
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// complexAck is a ReadProperty-ACK header carrying invokeID.
func complexAck(invokeID byte) []byte {
	return []byte{
		TypeIP, FunctionUnicastNPDU, 0x00, 0x0e,
		NPDUVersion, 0x00,
		PDUComplexAck << 4, invokeID, serviceReadProperty,
		0x0c, 0x02, 0x00, 0x00, 0x01,
	}
}

func reply(t *testing.T, sport, dport uint16, payload []byte) packet.IPv4 {
	ip := &layers.IPv4{Version: 4, TTL: 58, Protocol: layers.IPProtocolUDP, SrcIP: targetIP, DstIP: scannerIP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return packet.IPv4(serialize(t, ip, udp, gopacket.Payload(payload)))
}

// unreachable wraps the first quoteLen bytes of the probe's IP datagram in an
// ICMP port unreachable from a router.
func unreachable(t *testing.T, frame []byte, quoteLen int) packet.IPv4 {
	quoted := frame[packet.IPOff : packet.IPOff+quoteLen]
	outer := &layers.IPv4{Version: 4, TTL: 250, Protocol: layers.IPProtocolICMPv4, SrcIP: routerIP, DstIP: scannerIP}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)}
	return packet.IPv4(serialize(t, outer, icmp, gopacket.Payload(quoted)))
}

func sportOf(frame []byte) uint16 {
	return uint16(frame[packet.OffUDPSrcPort])<<8 | uint16(frame[packet.OffUDPSrcPort+1])
}

func TestPrepareTemplate(t *testing.T) {
	m := New()
	buf := bytes.Repeat([]byte{0xaa}, packet.MaxFrameLen)
	if err := m.PrepareTemplate(buf, srcMAC, gwMAC, nil, nil); err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x81, 0x0a, 0x00, 0x11,
		0x01, 0x04,
		0x00, 0x05, 0x00, 0x0c,
		0x0c, 0x02, 0x3f, 0xff, 0xff, 0x19, 0x4b,
	}
	if got := buf[packet.UDPPayloadOff:PacketLen]; !bytes.Equal(got, want) {
		t.Errorf("payload = % x\nwant      % x", got, want)
	}
	if buf[PacketLen] != 0 {
		t.Error("buffer past the packet not zeroed")
	}
	if PacketLen != 59 {
		t.Errorf("PacketLen = %d, want 59", PacketLen)
	}

	if err := m.PrepareTemplate(make([]byte, 20), srcMAC, gwMAC, nil, nil); !errors.Is(err, probe.ErrBufferTooSmall) {
		t.Errorf("short buffer: err = %v", err)
	}
}

func TestMakePacket_Decodes(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, v := buildProbe(t, g, target(0))

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("decode: %v", errLayer.Error())
	}
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ip.SrcIP.Equal(scannerIP) || !ip.DstIP.Equal(targetIP) {
		t.Errorf("addrs %s -> %s", ip.SrcIP, ip.DstIP)
	}
	if ip.TTL != 64 || ip.Id != 0x1234 || ip.Length != 45 {
		t.Errorf("ttl=%d id=%#x len=%d", ip.TTL, ip.Id, ip.Length)
	}
	if packet.IPChecksum(frame[packet.IPOff:packet.UDPOff]) != 0 {
		t.Error("IP checksum does not verify")
	}

	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.DstPort != DefaultPort || udp.Length != 25 {
		t.Errorf("udp dport=%d len=%d", udp.DstPort, udp.Length)
	}
	if uint16(udp.SrcPort) != validate.SourcePort(g.SourcePorts, 0, v) {
		t.Errorf("sport %d not derived from cookie", udp.SrcPort)
	}
	if packet.TransportChecksum(packet.ProtoUDP, frame[packet.OffIPSrc:packet.OffIPSrc+4],
		frame[packet.OffIPDst:packet.OffIPDst+4], frame[packet.UDPOff:]) != 0 {
		t.Error("UDP checksum does not verify")
	}

	b, ok := pkt.Layer(LayerTypeBACnet).(*BACnet)
	if !ok {
		t.Fatal("no BACnet layer on port 47808")
	}
	if b.VLCFunction != FunctionUnicastNPDU || b.VLCLength != MessageLen {
		t.Errorf("bvlc function=%#x length=%d", b.VLCFunction, b.VLCLength)
	}
	if b.APDUType != PDUConfirmedRequest || b.ServiceChoice != serviceReadProperty {
		t.Errorf("apdu type=%d choice=%#x", b.APDUType, b.ServiceChoice)
	}
	if !b.HasInvokeID || b.InvokeID != validate.InvokeID(v) {
		t.Errorf("invoke id = %#x, want %#x", b.InvokeID, validate.InvokeID(v))
	}
	if !bytes.Equal(b.Payload, body[:]) {
		t.Errorf("service data = % x", b.Payload)
	}
}

func TestMakePacket_Deterministic(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	a, _ := buildProbe(t, g, target(0))
	b, _ := buildProbe(t, g, target(0))
	if !bytes.Equal(a, b) {
		t.Error("same target produced different packets")
	}
	c, _ := buildProbe(t, g, target(1))
	if sportOf(a) == sportOf(c) {
		t.Error("attempt index did not move the source port")
	}
}

func TestMakePacket_Bounds(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	m := New()
	tc := probe.NewSeededThreadContext([32]byte{2})
	buf := make([]byte, m.Descriptor().MaxPacketLen)
	if err := m.PrepareTemplate(buf, srcMAC, gwMAC, g, tc); err != nil {
		t.Fatal(err)
	}
	for i := uint32(0); i < 256; i++ {
		tgt := target(int(i % 2))
		tgt.DstIP += i
		tgt.IPID = tc.IPID()
		n, err := m.MakePacket(buf, tgt, g.Cookies.Derive(tgt.SrcIP, tgt.DstIP, tgt.DstPort), g, tc)
		if err != nil {
			t.Fatal(err)
		}
		if n > m.Descriptor().MaxPacketLen {
			t.Fatalf("length %d exceeds max %d", n, m.Descriptor().MaxPacketLen)
		}
		if p := sportOf(buf); p < g.SourcePorts.First || p > g.SourcePorts.Last {
			t.Fatalf("sport %d outside range", p)
		}
	}

	if _, err := m.MakePacket(make([]byte, 10), target(0), validate.Vector{}, g, tc); !errors.Is(err, probe.ErrBufferTooSmall) {
		t.Errorf("short buffer: err = %v", err)
	}
}

// Reply to the probe for 10.0.0.5 carrying the right port and invoke ID.
func TestValidate_ScenarioA(t *testing.T) {
	for _, args := range []string{"", "validate_invoke_id"} {
		g := testGlobal(t, args, probe.SourcePortDefault)
		frame, v := buildProbe(t, g, target(0))

		verdict, match := New().Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v))), g)
		if verdict != probe.Valid {
			t.Fatalf("args=%q: reply rejected", args)
		}
		if match.SrcIP != packet.IPToUint32(targetIP) {
			t.Errorf("SrcIP = %s", packet.Uint32ToIP(match.SrcIP))
		}
		if match.Vector != v {
			t.Error("recovered vector differs from the one sent")
		}
	}
}

func TestValidate_SecondAttempt(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, v := buildProbe(t, g, target(1))
	if verdict, _ := New().Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v))), g); verdict != probe.Valid {
		t.Error("reply to second attempt rejected")
	}
}

func TestValidate_RoundTrip(t *testing.T) {
	const streams = 4
	ports := []uint16{DefaultPort, 47809, 1024}
	var key [validate.KeyLen]byte
	copy(key[:], "round-trip-key!!")
	gen, err := validate.NewGenerator(key)
	if err != nil {
		t.Fatal(err)
	}
	m := New()
	g, err := m.GlobalInitialize(probe.Settings{
		SourcePorts:        validate.PortRange{First: 40000, Last: 40099},
		TargetPorts:        ports,
		PacketStreams:      streams,
		TTL:                64,
		ValidateSourcePort: probe.SourcePortDefault,
		Cookies:            gen,
	})
	if err != nil {
		t.Fatal(err)
	}

	dsts := []net.IP{{10, 0, 0, 5}, {192, 0, 2, 1}, {198, 51, 100, 254}, {203, 0, 113, 77}}
	for _, dst := range dsts {
		for _, port := range ports {
			for attempt := 0; attempt < streams; attempt++ {
				tgt := probe.Target{
					SrcIP:   packet.IPToUint32(scannerIP),
					DstIP:   packet.IPToUint32(dst),
					DstPort: port,
					TTL:     64,
					Attempt: attempt,
				}
				frame, v := buildProbe(t, g, tgt)
				ip := &layers.IPv4{Version: 4, TTL: 58, Protocol: layers.IPProtocolUDP, SrcIP: dst, DstIP: scannerIP}
				udp := &layers.UDP{SrcPort: layers.UDPPort(port), DstPort: layers.UDPPort(sportOf(frame))}
				udp.SetNetworkLayerForChecksum(ip)
				pkt := packet.IPv4(serialize(t, ip, udp, gopacket.Payload(complexAck(validate.InvokeID(v)))))

				verdict, match := m.Validate(pkt, g)
				if verdict != probe.Valid {
					t.Errorf("%s:%d attempt %d: reply rejected", dst, port, attempt)
					continue
				}
				if match.SrcIP != tgt.DstIP || match.Vector != v {
					t.Errorf("%s:%d attempt %d: match = %+v", dst, port, attempt, match)
				}
			}
		}
	}
}

func TestValidate_ScenarioB_Truncated(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, v := buildProbe(t, g, target(0))
	m := New()

	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v))[:3]), g); verdict != probe.Invalid {
		t.Error("3-byte payload accepted")
	}
	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v))[:4]), g); verdict != probe.Invalid {
		t.Error("bare BVLC header accepted")
	}
	// Long enough for BVLC and NPDU, but the BVLC length claims 14 bytes.
	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v))[:8]), g); verdict != probe.Invalid {
		t.Error("BVLC length beyond the captured payload accepted")
	}
	short := complexAck(validate.InvokeID(v))
	short[3] = VLCLen
	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), short), g); verdict != probe.Invalid {
		t.Error("BVLC length below the BVLC and NPDU accepted")
	}
	// The smallest message with a network layer.
	minimal := []byte{TypeIP, FunctionUnicastNPDU, 0x00, VLCLen + NPDULen, NPDUVersion, 0x00}
	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), minimal), g); verdict != probe.Valid {
		t.Error("BVLC and NPDU only reply rejected")
	}

	// Captured bytes shorter than the UDP length claims.
	full := reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v)))
	if verdict, _ := m.Validate(full[:packet.IPv4Len+packet.UDPLen+2], g); verdict != probe.Invalid {
		t.Error("truncated capture accepted")
	}
}

func TestValidate_ScenarioD_WrongType(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, v := buildProbe(t, g, target(0))
	payload := complexAck(validate.InvokeID(v))
	payload[0] = 0x82
	if verdict, _ := New().Validate(reply(t, DefaultPort, sportOf(frame), payload), g); verdict != probe.Invalid {
		t.Error("wrong BVLC type accepted")
	}
}

func TestValidate_InvokeID(t *testing.T) {
	g := testGlobal(t, "validate_invoke_id", probe.SourcePortDefault)
	frame, v := buildProbe(t, g, target(0))
	m := New()

	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v)+1)), g); verdict != probe.Invalid {
		t.Error("wrong invoke ID accepted")
	}
	// Without the option the invoke ID is not consulted.
	loose := testGlobal(t, "", probe.SourcePortDefault)
	if verdict, _ := m.Validate(reply(t, DefaultPort, sportOf(frame), complexAck(validate.InvokeID(v)+1)), loose); verdict != probe.Valid {
		t.Error("invoke ID checked without validate_invoke_id")
	}
}

func TestValidate_PolicyToggle(t *testing.T) {
	enabled := testGlobal(t, "", probe.SourcePortDefault)
	disabled := testGlobal(t, "", probe.SourcePortDisable)
	m := New()

	// 1000 is outside 32768-61000, so no cookie can have chosen it.
	pkt := reply(t, DefaultPort, 1000, complexAck(0))
	if verdict, _ := m.Validate(pkt, enabled); verdict != probe.Invalid {
		t.Error("out of range port accepted with validation on")
	}
	if verdict, _ := m.Validate(pkt, disabled); verdict != probe.Valid {
		t.Error("out of range port rejected with validation off")
	}
}

func TestValidate_ICMP(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, _ := buildProbe(t, g, target(0))
	m := New()

	// RFC 792 minimum quote: IP header + 8 bytes.
	verdict, match := m.Validate(unreachable(t, frame, packet.IPv4Len+packet.UDPLen), g)
	if verdict != probe.Valid {
		t.Fatal("ICMP for our probe rejected")
	}
	if match.SrcIP != packet.IPToUint32(targetIP) {
		t.Errorf("recovered SrcIP = %s", packet.Uint32ToIP(match.SrcIP))
	}

	// Full quote carries the BVLC type byte, which is checked.
	if verdict, _ := m.Validate(unreachable(t, frame, len(frame)-packet.IPOff), g); verdict != probe.Valid {
		t.Error("full-quote ICMP rejected")
	}
	bad := append([]byte(nil), frame...)
	bad[packet.UDPPayloadOff] = 0x00
	if verdict, _ := m.Validate(unreachable(t, bad, len(bad)-packet.IPOff), g); verdict != probe.Invalid {
		t.Error("ICMP quoting a non-BACnet payload accepted")
	}
}

// Scenario C: port unreachable for the probe becomes an icmp record.
func TestExtract_ICMP(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, _ := buildProbe(t, g, target(0))
	ip := unreachable(t, frame, packet.IPv4Len+packet.UDPLen)
	m := New()
	if verdict, _ := m.Validate(ip, g); verdict != probe.Valid {
		t.Fatal("ICMP rejected")
	}

	fs := fieldset.New(len(m.Descriptor().Fields))
	m.Extract(fs, ip, g)

	if got, want := fs.Names(), fieldset.Names(m.Descriptor().Fields); !equalStrings(got, want) {
		t.Errorf("field order %v, want %v", got, want)
	}
	for _, name := range []string{"sport", "dport", "udp_payload"} {
		if v, _ := fs.Get(name); v.Kind != fieldset.KindNull {
			t.Errorf("%s = %v, want null", name, v.Kind)
		}
	}
	if v, _ := fs.Get("classification"); v.Str != "icmp" {
		t.Errorf("classification = %q", v.Str)
	}
	if v, _ := fs.Get("success"); v.Kind != fieldset.KindBool || v.Bool {
		t.Error("success should be false")
	}
	if v, _ := fs.Get("icmp_responder"); v.Str != routerIP.String() {
		t.Errorf("icmp_responder = %q", v.Str)
	}
	if v, _ := fs.Get("icmp_type"); v.Int != 3 {
		t.Errorf("icmp_type = %d", v.Int)
	}
	if v, _ := fs.Get("icmp_code"); v.Int != 3 {
		t.Errorf("icmp_code = %d", v.Int)
	}
	if v, _ := fs.Get("icmp_unreach_str"); v.Str != "port unreachable" {
		t.Errorf("icmp_unreach_str = %q", v.Str)
	}
}

func TestExtract_UDP(t *testing.T) {
	g := testGlobal(t, "", probe.SourcePortDefault)
	frame, v := buildProbe(t, g, target(0))
	payload := complexAck(validate.InvokeID(v))
	ip := reply(t, DefaultPort, sportOf(frame), payload)
	m := New()

	fs := fieldset.New(len(m.Descriptor().Fields))
	m.Extract(fs, ip, g)

	if got, want := fs.Names(), fieldset.Names(m.Descriptor().Fields); !equalStrings(got, want) {
		t.Errorf("field order %v, want %v", got, want)
	}
	if v, _ := fs.Get("sport"); v.Int != DefaultPort {
		t.Errorf("sport = %d", v.Int)
	}
	if v, _ := fs.Get("dport"); v.Int != uint64(sportOf(frame)) {
		t.Errorf("dport = %d", v.Int)
	}
	if v, _ := fs.Get("classification"); v.Str != "bacnet" {
		t.Errorf("classification = %q", v.Str)
	}
	if v, _ := fs.Get("success"); !v.Bool {
		t.Error("success should be true")
	}
	if v, _ := fs.Get("udp_payload"); !bytes.Equal(v.Bin, payload) {
		t.Errorf("udp_payload = % x", v.Bin)
	}
	if v, _ := fs.Get("icmp_type"); v.Kind != fieldset.KindNull {
		t.Error("icmp_type should be null on a UDP reply")
	}
}

func TestGlobalInitialize_Args(t *testing.T) {
	g := testGlobal(t, "validate_invoke_id", probe.SourcePortDefault)
	if opts := g.Module.(*options); !opts.validateInvokeID {
		t.Error("validate_invoke_id not parsed")
	}
	if !g.ValidateSrcPort {
		t.Error("source port validation should default on")
	}
	_, err := New().GlobalInitialize(probe.Settings{
		SourcePorts: validate.PortRange{First: 1024, Last: 2047},
		ProbeArgs:   "frobnicate",
		Cookies:     g.Cookies,
	})
	if err == nil {
		t.Error("unknown probe arg accepted")
	}
}

func TestLayer_Decode(t *testing.T) {
	cases := []struct {
		name     string
		data     []byte
		wantErr  bool
		apdu     bool
		invokeID uint8
	}{
		{name: "complex ack", data: complexAck(0x7f), apdu: true, invokeID: 0x7f},
		{name: "bvll result", data: []byte{0x81, 0x00, 0x00, 0x06, 0x00, 0x00}},
		{name: "forwarded", data: []byte{0x81, 0x04, 0x00, 0x11, 10, 0, 0, 1, 0xba, 0xc0, 0x01, 0x00, 0x20, 0x33, 0x09, 0x00}, apdu: true, invokeID: 0x33},
		{name: "routed", data: []byte{0x81, 0x0a, 0x00, 0x10, 0x01, 0x08, 0x00, 0x05, 0x01, 0x07, 0x30, 0x44, 0x0c}, apdu: true, invokeID: 0x44},
		{name: "network message", data: []byte{0x81, 0x0b, 0x00, 0x07, 0x01, 0x80, 0x00}},
		{name: "short", data: []byte{0x81, 0x0a}, wantErr: true},
		{name: "forwarded short", data: []byte{0x81, 0x04, 0x00, 0x11, 10, 0}, wantErr: true},
		{name: "wrong type", data: []byte{0x82, 0x0a, 0x00, 0x04}, wantErr: true},
		{name: "apdu short", data: []byte{0x81, 0x0a, 0x00, 0x07, 0x01, 0x00, 0x30}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b BACnet
			err := b.DecodeFromBytes(tc.data, gopacket.NilDecodeFeedback)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				return
			}
			if b.HasAPDU != tc.apdu {
				t.Errorf("HasAPDU = %v", b.HasAPDU)
			}
			if tc.apdu && b.InvokeID != tc.invokeID {
				t.Errorf("InvokeID = %#x, want %#x", b.InvokeID, tc.invokeID)
			}
		})
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

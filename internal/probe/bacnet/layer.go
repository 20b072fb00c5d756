package bacnet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeBACnet is the gopacket layer for BACnet/IP (BVLC + NPDU + APDU header).
var LayerTypeBACnet = gopacket.RegisterLayerType(47808, gopacket.LayerTypeMetadata{
	Name:    "BACnet",
	Decoder: gopacket.DecodeFunc(decodeBACnet),
})

func init() {
	layers.RegisterUDPPortLayerType(layers.UDPPort(DefaultPort), LayerTypeBACnet)
}

// APDU PDU types (high nibble of the first APDU byte).
const (
	PDUConfirmedRequest   = 0
	PDUUnconfirmedRequest = 1
	PDUSimpleAck          = 2
	PDUComplexAck         = 3
	PDUSegmentAck         = 4
	PDUError              = 5
	PDUReject             = 6
	PDUAbort              = 7
)

// NPDU control bits.
const (
	npduNetworkMessage = 0x80
	npduDNETPresent    = 0x20
	npduSNETPresent    = 0x08
)

var errTruncated = errors.New("bacnet: truncated")

// BACnet is a decoded BACnet/IP message header.
type BACnet struct {
	layers.BaseLayer

	VLCType     uint8
	VLCFunction uint8
	VLCLength   uint16

	HasNPDU     bool
	NPDUVersion uint8
	NPDUControl uint8

	// HasAPDU is false for BVLL-only messages and network layer messages.
	HasAPDU       bool
	APDUType      uint8 // PDU* constant
	HasInvokeID   bool
	InvokeID      uint8
	ServiceChoice uint8
}

func (b *BACnet) LayerType() gopacket.LayerType { return LayerTypeBACnet }

func (b *BACnet) CanDecode() gopacket.LayerClass { return LayerTypeBACnet }

func (b *BACnet) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func decodeBACnet(data []byte, p gopacket.PacketBuilder) error {
	b := &BACnet{}
	if err := b.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(b)
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// DecodeFromBytes parses the BVLC, NPDU and the fixed part of the APDU header.
// The remaining service data is left in Payload.
func (b *BACnet) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	*b = BACnet{}
	if len(data) < VLCLen {
		df.SetTruncated()
		return errTruncated
	}
	b.VLCType = data[0]
	b.VLCFunction = data[1]
	b.VLCLength = binary.BigEndian.Uint16(data[2:4])
	if b.VLCType != TypeIP {
		return fmt.Errorf("bacnet: unexpected BVLC type %#x", b.VLCType)
	}

	off := VLCLen
	switch b.VLCFunction {
	case FunctionUnicastNPDU, FunctionBroadcastNPDU, FunctionDistributeBroadcast:
	case FunctionForwardedNPDU:
		off += 6 // original B/IP address and port
	default:
		// BVLL control message, no NPDU follows.
		b.BaseLayer = layers.BaseLayer{Contents: data}
		return nil
	}

	if len(data) < off {
		df.SetTruncated()
		return errTruncated
	}
	n, err := b.decodeNPDU(data[off:])
	if err != nil {
		df.SetTruncated()
		return err
	}
	off += n
	if b.HasAPDU {
		n, err = b.decodeAPDU(data[off:])
		if err != nil {
			df.SetTruncated()
			return err
		}
		off += n
	}
	b.BaseLayer = layers.BaseLayer{Contents: data[:off], Payload: data[off:]}
	return nil
}

func (b *BACnet) decodeNPDU(data []byte) (int, error) {
	if len(data) < NPDULen {
		return 0, errTruncated
	}
	b.HasNPDU = true
	b.NPDUVersion = data[0]
	b.NPDUControl = data[1]
	off := NPDULen

	ctrl := b.NPDUControl
	if ctrl&npduDNETPresent != 0 {
		if len(data) < off+3 {
			return 0, errTruncated
		}
		off += 3 + int(data[off+2]) // DNET, DLEN, DADR
	}
	if ctrl&npduSNETPresent != 0 {
		if len(data) < off+3 {
			return 0, errTruncated
		}
		off += 3 + int(data[off+2]) // SNET, SLEN, SADR
	}
	if ctrl&npduDNETPresent != 0 {
		off++ // hop count
	}
	if len(data) < off {
		return 0, errTruncated
	}
	b.HasAPDU = ctrl&npduNetworkMessage == 0
	return off, nil
}

func (b *BACnet) decodeAPDU(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, errTruncated
	}
	b.APDUType = data[0] >> 4

	var need int
	switch b.APDUType {
	case PDUConfirmedRequest:
		need = 4 // flags, max segs/APDU, invoke, choice
		if data[0]&0x08 != 0 {
			need += 2 // sequence number, proposed window
		}
		if len(data) < need {
			return 0, errTruncated
		}
		b.HasInvokeID, b.InvokeID, b.ServiceChoice = true, data[2], data[need-1]
	case PDUUnconfirmedRequest:
		need = 2
		if len(data) < need {
			return 0, errTruncated
		}
		b.ServiceChoice = data[1]
	case PDUComplexAck:
		need = 3
		if data[0]&0x08 != 0 {
			need += 2
		}
		if len(data) < need {
			return 0, errTruncated
		}
		b.HasInvokeID, b.InvokeID, b.ServiceChoice = true, data[1], data[need-1]
	case PDUSimpleAck, PDUError, PDUReject, PDUAbort:
		need = 3
		if len(data) < need {
			return 0, errTruncated
		}
		b.HasInvokeID, b.InvokeID, b.ServiceChoice = true, data[1], data[2]
	case PDUSegmentAck:
		need = 4
		if len(data) < need {
			return 0, errTruncated
		}
		b.HasInvokeID, b.InvokeID = true, data[1]
	default:
		return 0, fmt.Errorf("bacnet: unknown APDU type %d", b.APDUType)
	}
	return need, nil
}

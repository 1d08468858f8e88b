// Package wire implements the packet framing and transport used between a
// session source and its client: CBOR-encoded packets, varint-length
// frames with optional zlib body compression, and the pull-based writer
// that drains the session's packet scheduler.
package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Packet is one protocol message: a heterogeneous list whose first
// element is the packet type string.
type Packet []any

// NewPacket builds a packet from its type string and arguments.
func NewPacket(packetType string, args ...any) Packet {
	p := make(Packet, 0, len(args)+1)
	p = append(p, packetType)
	return append(p, args...)
}

// Type returns the packet type string, or "" for a malformed packet.
func (p Packet) Type() string {
	if len(p) == 0 {
		return ""
	}
	switch t := p[0].(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	return ""
}

// encMode uses Core Deterministic Encoding so the same logical packet
// always produces identical bytes.
var encMode cbor.EncMode

// decMode decodes any-typed targets into map[string]any so capability
// mappings come out directly usable; unknown fields are ignored.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodePacket serializes a packet body (without framing).
func EncodePacket(p Packet) ([]byte, error) {
	return encMode.Marshal(p)
}

// DecodePacket deserializes a packet body produced by EncodePacket.
func DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

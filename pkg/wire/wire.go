// Package wire implements the runner↔gateway frame protocol: a versioned,
// length-prefixed encoding (a version byte, a one-byte kind tag and a
// 4-byte length, followed by a JSON payload; no schema negotiation beyond
// the version byte) for the message families in spec §6. Protobuf/gRPC are
// deliberately not used here — see DESIGN.md.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the current runner↔gateway wire version, written as
// the first byte of every frame; Decode rejects any other version.
const ProtocolVersion = 1

// Kind tags a frame's message family.
type Kind byte

const (
	KindToServerInit              Kind = 1
	KindToClientInit              Kind = 2
	KindToServerEvents            Kind = 3
	KindToServerTunnelMessage     Kind = 4
	KindToClientTunnelMessage     Kind = 5
	KindToClientActorStart        Kind = 6
	KindToClientActorStop         Kind = 7
	KindToClientPing              Kind = 8
	KindToServerPong              Kind = 9
	KindToClientClose             Kind = 10
)

var ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// Frame is one wire message: a version, a kind tag, and a JSON-encoded
// payload. The outer envelope is fixed-width binary (matching the spec's
// "binary, BARE-encoded, versioned" framing); payload contents are encoded
// as JSON rather than a field-by-field BARE schema, since the message
// families are heterogeneous tagged unions better served by Go's own
// encoding/json tagging than a hand-maintained binary schema per variant —
// noted in DESIGN.md as the one deliberate stdlib-over-BARE simplification.
type Frame struct {
	Version byte
	Kind    Kind
	Payload []byte
}

// Encode serializes f as [version:1][kind:1][len:4 BE][payload].
func Encode(f Frame) []byte {
	buf := make([]byte, 2+4+len(f.Payload))
	buf[0] = f.Version
	buf[1] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(f.Payload)))
	copy(buf[6:], f.Payload)
	return buf
}

// Decode parses a Frame from its wire encoding, validating the version
// matches ProtocolVersion.
func Decode(data []byte) (Frame, error) {
	if len(data) < 6 {
		return Frame{}, ErrTruncatedFrame
	}
	version := data[0]
	if version != ProtocolVersion {
		return Frame{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, version, ProtocolVersion)
	}
	kind := Kind(data[1])
	n := binary.BigEndian.Uint32(data[2:6])
	if uint32(len(data)-6) < n {
		return Frame{}, ErrTruncatedFrame
	}
	return Frame{Version: version, Kind: kind, Payload: data[6 : 6+n]}, nil
}

// Pack encodes kind and a JSON-marshaled body into a Frame's wire bytes.
func Pack(kind Kind, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return Encode(Frame{Version: ProtocolVersion, Kind: kind, Payload: payload}), nil
}

// Unpack decodes a wire frame and unmarshals its payload into out,
// returning the frame's Kind so the caller can type-switch.
func Unpack(data []byte, out any) (Kind, error) {
	f, err := Decode(data)
	if err != nil {
		return 0, err
	}
	if out != nil {
		if err := json.Unmarshal(f.Payload, out); err != nil {
			return f.Kind, err
		}
	}
	return f.Kind, nil
}

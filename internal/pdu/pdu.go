// Package pdu implements the Neocore headset framing protocol.
//
// Two incompatible on-wire header layouts exist in the field: the
// original byte-packed layout used by early firmware (LegacyCodec) and
// the 16-bit combined header used by current firmware (V2Codec). They
// are kept as two separate codecs behind one interface and selected
// when the session is constructed; their constants are never shared.
package pdu

import (
	"encoding/binary"
	"fmt"
)

// Type is the 2-bit PDU type field.
type Type uint8

const (
	TypeCommand      Type = 0
	TypeNotification Type = 1
	TypeResponse     Type = 2
	TypeError        Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeNotification:
		return "notification"
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ----------------------------
// V2 protocol constants (16-bit header)
// ----------------------------

const (
	FeatureCore         uint8 = 0x00
	FeatureSensorConfig uint8 = 0x01
	FeatureSensorStream uint8 = 0x02
	FeatureBattery      uint8 = 0x03
	FeatureCharger      uint8 = 0x04
)

const (
	CmdGetSerialNumber    uint8 = 0x01
	CmdGetFirmwareVersion uint8 = 0x03
	CmdGetBatteryLevel    uint8 = 0x00

	CmdDataStreamControl uint8 = 0x00
	CmdTestSignalControl uint8 = 0x01
	CmdLeadOffControl    uint8 = 0x02
)

// EEGHeader is the fixed 16-bit header the firmware puts on EEG sample
// notifications: SensorStream feature, notification type, id 0.
const EEGHeader uint16 = 0x0480

// EEGPacketTag is the first header byte of an indexed EEG packet
// (tag, length, index) as emitted by firmware that counts packets.
const EEGPacketTag uint8 = 0x04

// ----------------------------
// Legacy protocol constants (byte-packed header)
// ----------------------------

// Early firmware groups battery commands under a different feature id
// than the v2 protocol. Do not conflate the two.
const (
	LegacyFeatureCore         uint8 = 0x00
	LegacyFeatureSensorConfig uint8 = 0x01
	LegacyFeatureSensorStream uint8 = 0x02
	LegacyFeatureBattery      uint8 = 0x04
)

// ----------------------------
// Frame
// ----------------------------

// Frame is one decoded protocol data unit. Feature and Command carry
// the raw on-wire values even when they are not recognized; routing
// unknown frames is the caller's concern, never a decode error.
type Frame struct {
	Feature uint8
	Type    Type
	Command uint8
	Payload []byte

	// EEG is set by the v2 codec when the frame carries EEG sample
	// data rather than a generic notification.
	EEG bool
}

// Header returns the combined 16-bit v2 header value for the frame.
func (f Frame) Header() uint16 {
	return uint16(f.Feature)<<9 | uint16(f.Type)<<7 | uint16(f.Command)
}

func (f Frame) String() string {
	return fmt.Sprintf("frame{feat=0x%02x %s cmd=0x%02x payload=%d}", f.Feature, f.Type, f.Command, len(f.Payload))
}

// ----------------------------
// Errors
// ----------------------------

// DecodeError reports an undecodable frame: fewer bytes than the
// minimum header length. Decode errors are logged and dropped by
// callers, never fatal.
type DecodeError struct {
	Len int
	Min int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("frame too short: %d bytes, need at least %d", e.Len, e.Min)
}

// RangeError reports a contract violation on encode: feature or
// command ids are 7-bit values and must be in [0, 127].
type RangeError struct {
	Field string
	Value uint8
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s 0x%02x out of range [0, 127]", e.Field, e.Value)
}

// ----------------------------
// Codec
// ----------------------------

// Codec serializes commands to wire frames and classifies incoming
// bytes. Implementations are pure and carry no state.
type Codec interface {
	// Encode packs the header and appends the payload verbatim.
	// Feature or command ids outside [0, 127] are rejected.
	Encode(feature uint8, typ Type, command uint8, payload []byte) ([]byte, error)

	// Decode classifies a received frame. Returns *DecodeError when
	// fewer than the minimum header bytes are present; unrecognized
	// feature/command combinations are returned as-is for the caller
	// to route or ignore.
	Decode(data []byte) (Frame, error)
}

func checkRange(feature, command uint8) error {
	if feature > 0x7F {
		return &RangeError{Field: "feature id", Value: feature}
	}
	if command > 0x7F {
		return &RangeError{Field: "command id", Value: command}
	}
	return nil
}

// ----------------------------
// V2 codec (16-bit big-endian header)
// ----------------------------

// V2Codec implements the current protocol: a combined header
// (feature<<9 | type<<7 | command) transmitted big-endian, payload
// following. EEG sample notifications are recognized by the fixed
// EEGHeader constant or the indexed packet tag.
type V2Codec struct{}

const v2HeaderLen = 2

func (V2Codec) Encode(feature uint8, typ Type, command uint8, payload []byte) ([]byte, error) {
	if err := checkRange(feature, command); err != nil {
		return nil, err
	}
	header := uint16(feature)<<9 | uint16(typ&0x03)<<7 | uint16(command)
	out := make([]byte, v2HeaderLen, v2HeaderLen+len(payload))
	binary.BigEndian.PutUint16(out, header)
	return append(out, payload...), nil
}

func (V2Codec) Decode(data []byte) (Frame, error) {
	if len(data) < v2HeaderLen {
		return Frame{}, &DecodeError{Len: len(data), Min: v2HeaderLen}
	}
	header := binary.BigEndian.Uint16(data)
	f := Frame{
		Feature: uint8(header >> 9),
		Type:    Type((header >> 7) & 0x03),
		Command: uint8(header & 0x7F),
		Payload: data[v2HeaderLen:],
	}
	// The EEG stream uses a dedicated sentinel header; indexed packets
	// carry the tag in the first byte instead.
	if header == EEGHeader || data[0] == EEGPacketTag {
		f.EEG = true
	}
	return f, nil
}

// ----------------------------
// Legacy codec (byte-packed header)
// ----------------------------

// LegacyCodec implements the early-firmware layout: the two type bits
// are split across the low bit of each header byte,
// byte0 = feature<<1 | typeBit0 and byte1 = command<<1 | typeBit1.
type LegacyCodec struct{}

const legacyHeaderLen = 2

func (LegacyCodec) Encode(feature uint8, typ Type, command uint8, payload []byte) ([]byte, error) {
	if err := checkRange(feature, command); err != nil {
		return nil, err
	}
	out := make([]byte, legacyHeaderLen, legacyHeaderLen+len(payload))
	out[0] = feature<<1 | uint8(typ)&0x01
	out[1] = command<<1 | uint8(typ)>>1&0x01
	return append(out, payload...), nil
}

func (LegacyCodec) Decode(data []byte) (Frame, error) {
	if len(data) < legacyHeaderLen {
		return Frame{}, &DecodeError{Len: len(data), Min: legacyHeaderLen}
	}
	f := Frame{
		Feature: data[0] >> 1,
		Type:    Type((data[1]&0x01)<<1 | data[0]&0x01),
		Command: data[1] >> 1,
		Payload: data[legacyHeaderLen:],
	}
	// Early firmware streams EEG samples behind the same sentinel
	// header the v2 protocol uses.
	if binary.BigEndian.Uint16(data) == EEGHeader {
		f.EEG = true
	}
	return f, nil
}

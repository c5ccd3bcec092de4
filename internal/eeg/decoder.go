// Package eeg reassembles interleaved two-channel sample packets from
// the notification stream into per-channel sample sequences.
package eeg

import (
	"encoding/binary"
	"fmt"

	"github.com/neocorelabs/neocore/internal/pdu"
)

// samplePairSize is one interleaved ch1/ch2 pair: two little-endian
// signed 32-bit values.
const samplePairSize = 8

// Packet is one decoded EEG notification. Index is only populated by
// the indexed format; it is surfaced for diagnostics but not used for
// reordering or drop detection.
type Packet struct {
	Index uint16
	Ch1   []int32
	Ch2   []int32
}

// Decoder strips a format-specific header and walks the remaining
// bytes in 8-byte strides. Implementations are pure.
type Decoder interface {
	DecodePacket(data []byte) (Packet, error)
}

// ----------------------------
// Payload walk (shared by both formats)
// ----------------------------

// decodeSamples walks payload in 8-byte strides. A stride with at
// least 4 bytes yields a channel-1 sample, a full stride yields both.
// Trailing bytes shorter than one sample are expected at packet
// boundaries and silently dropped. A trailing ch1-only half pair is
// dropped too, so the channel sequences always stay the same length.
func decodeSamples(payload []byte) (ch1, ch2 []int32) {
	n := len(payload) / samplePairSize
	ch1 = make([]int32, 0, n+1)
	ch2 = make([]int32, 0, n)
	for i := 0; i+4 <= len(payload); i += samplePairSize {
		ch1 = append(ch1, int32(binary.LittleEndian.Uint32(payload[i:])))
		if i+samplePairSize <= len(payload) {
			ch2 = append(ch2, int32(binary.LittleEndian.Uint32(payload[i+4:])))
		}
	}
	if len(ch1) > len(ch2) {
		ch1 = ch1[:len(ch2)]
	}
	return ch1, ch2
}

// ----------------------------
// Sentinel format
// ----------------------------

// SentinelDecoder handles the stream variant that prefixes sample
// data with the fixed 2-byte 0x0480 notification header.
type SentinelDecoder struct{}

func (SentinelDecoder) DecodePacket(data []byte) (Packet, error) {
	if len(data) < 2 {
		return Packet{}, &pdu.DecodeError{Len: len(data), Min: 2}
	}
	header := uint16(data[0])<<8 | uint16(data[1])
	if header != pdu.EEGHeader {
		return Packet{}, fmt.Errorf("unexpected stream header 0x%04x", header)
	}
	ch1, ch2 := decodeSamples(data[2:])
	return Packet{Ch1: ch1, Ch2: ch2}, nil
}

// ----------------------------
// Indexed format
// ----------------------------

// IndexedDecoder handles the packet-counting variant: a 4-byte header
// of [tag, payload length, index-lo, index-hi] before the sample data.
type IndexedDecoder struct{}

func (IndexedDecoder) DecodePacket(data []byte) (Packet, error) {
	if len(data) < 4 {
		return Packet{}, &pdu.DecodeError{Len: len(data), Min: 4}
	}
	if data[0] != pdu.EEGPacketTag {
		return Packet{}, fmt.Errorf("unexpected packet tag 0x%02x", data[0])
	}
	index := binary.LittleEndian.Uint16(data[2:4])
	ch1, ch2 := decodeSamples(data[4:])
	return Packet{Index: index, Ch1: ch1, Ch2: ch2}, nil
}

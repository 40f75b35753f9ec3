package turnattr

import (
	"encoding/binary"
	"fmt"
)

// Channel numbers are allocated from this range per RFC 5766 Section 11;
// values outside it are reserved or used by STUN itself.
const (
	MinChannelNumber uint16 = 0x4000
	MaxChannelNumber uint16 = 0x7FFF
)

const channelDataHeaderSize = 4

// ErrShortChannelData is returned when a buffer is too small to hold a
// ChannelData header, or declares a length longer than the data available.
var ErrShortChannelData = fmt.Errorf("turnattr: short ChannelData frame")

// IsChannelData reports whether the first two bits of data mark it as
// ChannelData framing rather than a STUN message: channel numbers occupy
// [0x4000, 0x7FFF], whose top two bits are always 01.
func IsChannelData(data []byte) bool {
	if len(data) < channelDataHeaderSize {
		return false
	}
	n := binary.BigEndian.Uint16(data[0:2])
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// BuildChannelData frames payload for transmission over an established
// channel binding: a 4-byte header (channel number, length) followed by the
// payload, padded to a 4-byte boundary.
func BuildChannelData(channel uint16, payload []byte) []byte {
	pad := (4 - len(payload)%4) % 4
	out := make([]byte, channelDataHeaderSize+len(payload)+pad)
	binary.BigEndian.PutUint16(out[0:2], channel)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[4:], payload)
	return out
}

// ParseChannelData extracts the channel number and payload from a
// ChannelData frame. The returned payload aliases data; callers that need to
// retain it past the next read must copy it.
func ParseChannelData(data []byte) (channel uint16, payload []byte, err error) {
	if len(data) < channelDataHeaderSize {
		return 0, nil, ErrShortChannelData
	}
	channel = binary.BigEndian.Uint16(data[0:2])
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if channelDataHeaderSize+length > len(data) {
		return 0, nil, ErrShortChannelData
	}
	return channel, data[channelDataHeaderSize : channelDataHeaderSize+length], nil
}

package stun

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"hash/crc32"
)

const (
	attrMessageIntegrity uint16 = 0x0008
	attrFingerprint      uint16 = 0x8028

	integritySize   = sha1.Size
	fingerprintSize = 4
	fingerprintXOR  = 0x5354554E
)

// MessageIntegrity is a Setter that appends a MESSAGE-INTEGRITY attribute
// computed as HMAC-SHA1, keyed by the long-term credential key, over the
// message serialized so far with the length field temporarily patched to
// include this attribute (RFC 5389 Section 15.4).
type MessageIntegrity []byte

// AddTo implements Setter.
func (mi MessageIntegrity) AddTo(m *Message) error {
	patchLengthFor(m, 4+integritySize)
	mac := hmac.New(sha1.New, mi)
	mac.Write(m.Raw)
	m.add(attrMessageIntegrity, mac.Sum(nil))
	return nil
}

// CheckIntegrity verifies a decoded message's MESSAGE-INTEGRITY attribute
// against key, recomputing the HMAC over the message prefix up to (but not
// including) the attribute, with length patched exactly as AddTo does.
func (m *Message) CheckIntegrity(key []byte) error {
	attr, ok := m.Get(attrMessageIntegrity)
	if !ok {
		return ErrIntegrity
	}
	prefix, ok := m.prefixBefore(attrMessageIntegrity, 4+integritySize)
	if !ok {
		return ErrFormat
	}
	mac := hmac.New(sha1.New, key)
	mac.Write(prefix)
	if !hmac.Equal(mac.Sum(nil), attr.Value) {
		return ErrIntegrity
	}
	return nil
}

// Fingerprint is a Setter that appends a FINGERPRINT attribute: CRC-32 of the
// message so far (length patched to include this attribute), XORed with
// 0x5354554E per RFC 5389 Section 15.5. Must be added after MessageIntegrity
// when both are present.
type Fingerprint struct{}

// AddTo implements Setter.
func (Fingerprint) AddTo(m *Message) error {
	patchLengthFor(m, 4+fingerprintSize)
	crc := crc32.ChecksumIEEE(m.Raw) ^ fingerprintXOR
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, crc)
	m.add(attrFingerprint, val)
	return nil
}

// CheckFingerprint verifies a decoded message's FINGERPRINT attribute.
func (m *Message) CheckFingerprint() error {
	attr, ok := m.Get(attrFingerprint)
	if !ok {
		return ErrFormat
	}
	prefix, ok := m.prefixBefore(attrFingerprint, 4+fingerprintSize)
	if !ok {
		return ErrFormat
	}
	want := crc32.ChecksumIEEE(prefix) ^ fingerprintXOR
	got := binary.BigEndian.Uint32(attr.Value)
	if want != got {
		return ErrFormat
	}
	return nil
}

// ValidateAuth checks FINGERPRINT and, if key is non-nil, MESSAGE-INTEGRITY
// on a decoded message, but only when the corresponding attribute is
// present — neither is mandatory on the wire, so an absent attribute is not
// an error. Used on inbound messages the demux path can't otherwise trust,
// such as Data indications relayed from a peer.
func (m *Message) ValidateAuth(key []byte) error {
	if _, ok := m.Get(attrFingerprint); ok {
		if err := m.CheckFingerprint(); err != nil {
			return err
		}
	}
	if key != nil {
		if _, ok := m.Get(attrMessageIntegrity); ok {
			if err := m.CheckIntegrity(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// patchLengthFor rewrites m.Raw's length field in place to the value it will
// hold once an attribute of encodedSize bytes (header + padded value) is
// appended, without actually appending it. Used so HMAC/CRC setters hash the
// exact bytes RFC 5389 specifies.
func patchLengthFor(m *Message, encodedSize int) {
	length := len(m.Raw) - headerSize + encodedSize
	binary.BigEndian.PutUint16(m.Raw[2:4], uint16(length))
}

// prefixBefore returns the bytes of a freshly re-encoded message up to (but
// not including) the first attribute of attrType, with the length field
// patched as if encodedSize more bytes were appended. Used to verify
// integrity/fingerprint on a decoded message, where Raw already contains the
// attribute and everything after it.
func (m *Message) prefixBefore(attrType uint16, encodedSize int) ([]byte, bool) {
	off := headerSize
	for _, a := range m.Attributes {
		if a.Type == attrType {
			prefix := append([]byte(nil), m.Raw[:off]...)
			length := off - headerSize + encodedSize
			binary.BigEndian.PutUint16(prefix[2:4], uint16(length))
			return prefix, true
		}
		off += 4 + len(a.Value) + padding(len(a.Value))
	}
	return nil, false
}

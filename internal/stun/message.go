// Package stun implements the subset of RFC 5389 needed by the TURN relay
// client: message encode/decode, MESSAGE-INTEGRITY and FINGERPRINT, and the
// long-term-credential text attributes (USERNAME, REALM, NONCE, ERROR-CODE).
//
// Attributes are appended in insertion order through Setter values passed to
// Build, mirroring the attribute-ordering guarantee the wire format requires
// (MESSAGE-INTEGRITY and FINGERPRINT, when present, are always serialized
// last and in that order).
package stun

import (
	"encoding/binary"
	"errors"

	"github.com/pion/randutil"
)

const (
	headerSize  = 20
	magicCookie = 0x2112A442

	// TransactionIDSize is the length in bytes of a STUN transaction id.
	TransactionIDSize = 12
)

// Errors returned by Decode and the integrity/fingerprint checks.
var (
	ErrFormat    = errors.New("stun: invalid message format")
	ErrIntegrity = errors.New("stun: message integrity mismatch")
)

// Method is the method portion of a STUN message type.
type Method uint16

// Methods used by the TURN relay client.
const (
	MethodBinding          Method = 0x001
	MethodAllocate         Method = 0x003
	MethodRefresh          Method = 0x004
	MethodSend             Method = 0x006
	MethodData             Method = 0x007
	MethodCreatePermission Method = 0x008
	MethodChannelBind      Method = 0x009
)

// Class is the class portion of a STUN message type.
type Class byte

const (
	ClassRequest         Class = 0x00
	ClassIndication      Class = 0x01
	ClassSuccessResponse Class = 0x02
	ClassErrorResponse   Class = 0x03
)

// MessageType is the (method, class) pair encoded in the first 16 bits of
// the STUN header.
type MessageType struct {
	Method Method
	Class  Class
}

// NewMessageType builds a MessageType from a method and class.
func NewMessageType(method Method, class Class) MessageType {
	return MessageType{Method: method, Class: class}
}

// value encodes the type per RFC 5389 Section 6: class bits are interleaved
// between method bits (M11..M0, C1, C0 spread across the 14 usable bits).
func (t MessageType) value() uint16 {
	m := uint16(t.Method)
	c := uint16(t.Class)
	return (m & 0x0F) | ((c & 0x01) << 4) | ((m & 0x70) << 1) | ((c & 0x02) << 7) | ((m & 0xF80) << 2)
}

func parseMessageType(v uint16) MessageType {
	method := Method((v & 0x0F) | ((v >> 1) & 0x70) | ((v >> 2) & 0xF80))
	class := Class(((v >> 4) & 0x01) | ((v >> 7) & 0x02))
	return MessageType{Method: method, Class: class}
}

func (t MessageType) String() string {
	var class string
	switch t.Class {
	case ClassRequest:
		class = "request"
	case ClassIndication:
		class = "indication"
	case ClassSuccessResponse:
		class = "success response"
	case ClassErrorResponse:
		class = "error response"
	default:
		class = "unknown class"
	}
	return class + " " + methodName(t.Method)
}

func methodName(m Method) string {
	switch m {
	case MethodBinding:
		return "Binding"
	case MethodAllocate:
		return "Allocate"
	case MethodRefresh:
		return "Refresh"
	case MethodSend:
		return "Send"
	case MethodData:
		return "Data"
	case MethodCreatePermission:
		return "CreatePermission"
	case MethodChannelBind:
		return "ChannelBind"
	default:
		return "Unknown"
	}
}

// TransactionID is the 96-bit identifier correlating a request and its
// response. Must be cryptographically random to avoid collisions across
// clients sharing a TURN server.
type TransactionID [TransactionIDSize]byte

// transactionIDRand is shared across calls so NewTransactionID doesn't pay
// for a fresh crypto reader on every transaction.
var transactionIDRand = randutil.NewCryptoRandomGenerator()

// NewTransactionID generates a cryptographically random transaction id.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	for i := 0; i < len(id); i += 4 {
		binary.BigEndian.PutUint32(id[i:], transactionIDRand.Uint32())
	}
	return id, nil
}

// RawAttribute is a decoded, not-yet-interpreted STUN attribute.
type RawAttribute struct {
	Type  uint16
	Value []byte
}

// Message is a STUN message: header, transaction id, and an ordered list of
// attributes. Raw always holds the canonical serialization.
type Message struct {
	Type          MessageType
	TransactionID TransactionID
	Attributes    []RawAttribute
	Raw           []byte
}

// Setter appends one attribute (or more, for composite setters) to a
// Message being built. Implementations are small value types — TransactionID,
// MessageType, individual attributes — and each one re-serializes the
// message (see rebuild) as it is applied.
type Setter interface {
	AddTo(m *Message) error
}

// Build constructs a Message by applying each Setter in order. Attribute
// order is preserved exactly as given; MESSAGE-INTEGRITY and FINGERPRINT
// setters must be passed last (in that order) to satisfy the wire format.
func Build(setters ...Setter) (*Message, error) {
	m := &Message{}
	m.rebuild()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddTo implements Setter for MessageType, so it can appear directly in a
// Build() call instead of requiring a separate SetType step.
func (t MessageType) AddTo(m *Message) error {
	m.Type = t
	m.rebuild()
	return nil
}

// AddTo implements Setter for TransactionID.
func (t TransactionID) AddTo(m *Message) error {
	m.TransactionID = t
	m.rebuild()
	return nil
}

// add appends a raw attribute and re-serializes the message.
func (m *Message) add(attrType uint16, value []byte) {
	m.Attributes = append(m.Attributes, RawAttribute{Type: attrType, Value: value})
	m.rebuild()
}

// AddRaw appends an attribute whose value has already been encoded,
// re-serializing the message. Exported for sibling packages (turnattr) that
// define attributes this package has no knowledge of.
func (m *Message) AddRaw(attrType uint16, value []byte) {
	m.add(attrType, value)
}

// Get returns the first attribute of the given type, if present.
func (m *Message) Get(attrType uint16) (RawAttribute, bool) {
	for _, a := range m.Attributes {
		if a.Type == attrType {
			return a, true
		}
	}
	return RawAttribute{}, false
}

func padding(n int) int {
	return (4 - n%4) % 4
}

// rebuild re-serializes the header and every attribute from scratch. Called
// after every mutation so Raw is always the canonical encoding and setters
// that need to hash a message prefix (integrity, fingerprint) can read it
// directly off m.Raw.
func (m *Message) rebuild() {
	buf := make([]byte, headerSize, headerSize+64)
	binary.BigEndian.PutUint16(buf[0:2], m.Type.value())
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], m.TransactionID[:])

	for _, a := range m.Attributes {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], a.Type)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, a.Value...)
		if pad := padding(len(a.Value)); pad > 0 {
			buf = append(buf, make([]byte, pad)...)
		}
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-headerSize))
	m.Raw = buf
}

// Decode parses a STUN message from raw wire bytes, validating the magic
// cookie, the declared length, and attribute padding.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < headerSize {
		return nil, ErrFormat
	}
	typeVal := binary.BigEndian.Uint16(raw[0:2])
	length := binary.BigEndian.Uint16(raw[2:4])
	cookie := binary.BigEndian.Uint32(raw[4:8])
	if cookie != magicCookie {
		return nil, ErrFormat
	}
	if int(length) != len(raw)-headerSize {
		return nil, ErrFormat
	}

	m := &Message{
		Type: parseMessageType(typeVal),
		Raw:  append([]byte(nil), raw...),
	}
	copy(m.TransactionID[:], raw[8:20])

	off := headerSize
	for off < len(raw) {
		if off+4 > len(raw) {
			return nil, ErrFormat
		}
		attrType := binary.BigEndian.Uint16(raw[off : off+2])
		attrLen := binary.BigEndian.Uint16(raw[off+2 : off+4])
		off += 4
		if off+int(attrLen) > len(raw) {
			return nil, ErrFormat
		}
		value := raw[off : off+int(attrLen)]
		off += int(attrLen)
		pad := padding(int(attrLen))
		if off+pad > len(raw) {
			return nil, ErrFormat
		}
		off += pad
		m.Attributes = append(m.Attributes, RawAttribute{Type: attrType, Value: append([]byte(nil), value...)})
	}
	return m, nil
}

// IsMessage reports whether data looks like a STUN message: at least a
// header, the top two bits of the first byte clear, and the magic cookie
// present at the expected offset.
func IsMessage(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == magicCookie
}

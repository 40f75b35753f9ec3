// Package turnattr implements the TURN-specific (RFC 5766/8656) STUN
// attributes and the ChannelData framing used to move relayed payloads
// without per-datagram STUN overhead.
package turnattr

import (
	"encoding/binary"
	"net"

	"github.com/kuuji/turnsock/internal/stun"
)

const (
	AttrChannelNumber    uint16 = 0x000C
	AttrLifetime         uint16 = 0x000D
	AttrXorPeerAddress   uint16 = 0x0012
	AttrData             uint16 = 0x0013
	AttrXorRelayedAddr   uint16 = 0x0016
	AttrRequestedFamily  uint16 = 0x0017
)

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// Lifetime is the LIFETIME attribute: requested or granted allocation
// lifetime in seconds.
type Lifetime uint32

// AddTo implements stun.Setter.
func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(l))
	return addRaw(m, AttrLifetime, v)
}

// GetLifetime extracts the LIFETIME attribute, if present.
func GetLifetime(m *stun.Message) (Lifetime, bool) {
	a, ok := m.Get(AttrLifetime)
	if !ok || len(a.Value) < 4 {
		return 0, false
	}
	return Lifetime(binary.BigEndian.Uint32(a.Value)), true
}

// Data is the DATA attribute, carrying a relayed payload inside a Send or
// Data indication.
type Data []byte

// AddTo implements stun.Setter.
func (d Data) AddTo(m *stun.Message) error {
	return addRaw(m, AttrData, []byte(d))
}

// GetData extracts the DATA attribute, if present.
func GetData(m *stun.Message) (Data, bool) {
	a, ok := m.Get(AttrData)
	if !ok {
		return nil, false
	}
	return Data(a.Value), true
}

// ChannelNumber is the CHANNEL-NUMBER attribute, encoded as a 16-bit value
// followed by 16 reserved bits (padded to 4 bytes).
type ChannelNumber uint16

// AddTo implements stun.Setter.
func (c ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, uint16(c))
	return addRaw(m, AttrChannelNumber, v)
}

// GetChannelNumber extracts the CHANNEL-NUMBER attribute, if present.
func GetChannelNumber(m *stun.Message) (ChannelNumber, bool) {
	a, ok := m.Get(AttrChannelNumber)
	if !ok || len(a.Value) < 2 {
		return 0, false
	}
	return ChannelNumber(binary.BigEndian.Uint16(a.Value)), true
}

// PeerAddress is a Setter for XOR-PEER-ADDRESS: the address of the peer the
// client wants to install a permission for or send data to.
type PeerAddress struct {
	IP   net.IP
	Port int
}

// AddTo implements stun.Setter.
func (p PeerAddress) AddTo(m *stun.Message) error {
	v, err := encodeXorAddress(p.IP, p.Port, m.TransactionID)
	if err != nil {
		return err
	}
	return addRaw(m, AttrXorPeerAddress, v)
}

// GetPeerAddress extracts and un-XORs the XOR-PEER-ADDRESS attribute.
func GetPeerAddress(m *stun.Message) (*net.UDPAddr, bool, error) {
	a, ok := m.Get(AttrXorPeerAddress)
	if !ok {
		return nil, false, nil
	}
	addr, err := decodeXorAddress(a.Value, m.TransactionID)
	if err != nil {
		return nil, true, err
	}
	return addr, true, nil
}

// RelayedAddress is a Setter for XOR-RELAYED-ADDRESS: the server-allocated
// address the client is reachable at through the relay.
type RelayedAddress struct {
	IP   net.IP
	Port int
}

// AddTo implements stun.Setter.
func (r RelayedAddress) AddTo(m *stun.Message) error {
	v, err := encodeXorAddress(r.IP, r.Port, m.TransactionID)
	if err != nil {
		return err
	}
	return addRaw(m, AttrXorRelayedAddr, v)
}

// GetRelayedAddress extracts and un-XORs the XOR-RELAYED-ADDRESS attribute.
func GetRelayedAddress(m *stun.Message) (*net.UDPAddr, bool, error) {
	a, ok := m.Get(AttrXorRelayedAddr)
	if !ok {
		return nil, false, nil
	}
	addr, err := decodeXorAddress(a.Value, m.TransactionID)
	if err != nil {
		return nil, true, err
	}
	return addr, true, nil
}

func addRaw(m *stun.Message, attrType uint16, value []byte) error {
	m.AddRaw(attrType, value)
	return nil
}

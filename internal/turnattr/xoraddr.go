package turnattr

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/kuuji/turnsock/internal/stun"
)

// magicCookie mirrors the STUN magic cookie used by the XOR-* address
// attributes; kept local so this package doesn't need an exported constant
// from internal/stun just for this.
const magicCookie = 0x2112A442

var magicCookieBytes = func() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], magicCookie)
	return b
}()

// encodeXorAddress implements RFC 5389 Section 15.2: the port is XORed with
// the top 16 bits of the magic cookie, and the address is XORed with the
// magic cookie (IPv4) or the magic cookie followed by the transaction id
// (IPv6).
func encodeXorAddress(ip net.IP, port int, txID stun.TransactionID) ([]byte, error) {
	v4 := ip.To4()
	if v4 != nil {
		out := make([]byte, 8)
		out[1] = familyIPv4
		binary.BigEndian.PutUint16(out[2:4], uint16(port)^uint16(magicCookie>>16))
		for i := 0; i < 4; i++ {
			out[4+i] = v4[i] ^ magicCookieBytes[i]
		}
		return out, nil
	}

	v6 := ip.To16()
	if v6 == nil {
		return nil, fmt.Errorf("turnattr: invalid IP address %v", ip)
	}
	out := make([]byte, 20)
	out[1] = familyIPv6
	binary.BigEndian.PutUint16(out[2:4], uint16(port)^uint16(magicCookie>>16))
	pad := append(magicCookieBytes[:], txID[:]...)
	for i := 0; i < 16; i++ {
		out[4+i] = v6[i] ^ pad[i]
	}
	return out, nil
}

func decodeXorAddress(value []byte, txID stun.TransactionID) (*net.UDPAddr, error) {
	if len(value) < 4 {
		return nil, stun.ErrFormat
	}
	family := value[1]
	port := int(binary.BigEndian.Uint16(value[2:4]) ^ uint16(magicCookie>>16))

	switch family {
	case familyIPv4:
		if len(value) < 8 {
			return nil, stun.ErrFormat
		}
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ magicCookieBytes[i]
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	case familyIPv6:
		if len(value) < 20 {
			return nil, stun.ErrFormat
		}
		pad := append(magicCookieBytes[:], txID[:]...)
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = value[4+i] ^ pad[i]
		}
		return &net.UDPAddr{IP: ip, Port: port}, nil
	default:
		return nil, fmt.Errorf("turnattr: unknown address family 0x%02x: %w", family, stun.ErrFormat)
	}
}

package relay

import (
	"net"

	"github.com/kuuji/turnsock/internal/stun"
)

// Observer is the socket-and-credentials boundary a Conn talks through. It
// is shared across the connections it serves, owns the UDP socket and the
// transaction engine, and is the seam that lets Conn be unit-tested without
// a real network (see fakeObserver in conn_test.go).
type Observer interface {
	TURNServerAddr() net.Addr
	Username() stun.Username
	Realm() stun.Realm
	WriteTo(data []byte, to net.Addr) (int, error)
	PerformTransaction(msg *stun.Message, to net.Addr, ignoreResult bool) (*stun.Message, error)
}

// Demuxer receives inbound data that the Observer's read loop classified as
// not belonging to a pending transaction: ChannelData frames and Data
// indications bound for an attached Conn.
type Demuxer interface {
	HandleInbound(data []byte, from net.Addr)
}

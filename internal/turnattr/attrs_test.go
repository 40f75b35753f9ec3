package turnattr

import (
	"net"
	"testing"

	"github.com/kuuji/turnsock/internal/stun"
)

func TestXorPeerAddressRoundTrip(t *testing.T) {
	t.Parallel()

	txID, err := stun.NewTransactionID()
	if err != nil {
		t.Fatalf("NewTransactionID: %v", err)
	}

	m, err := stun.Build(
		stun.NewMessageType(stun.MethodCreatePermission, stun.ClassRequest),
		txID,
		PeerAddress{IP: net.ParseIP("203.0.113.5"), Port: 54321},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	decoded, err := stun.Decode(m.Raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	addr, ok, err := GetPeerAddress(decoded)
	if err != nil {
		t.Fatalf("GetPeerAddress: %v", err)
	}
	if !ok {
		t.Fatal("expected XOR-PEER-ADDRESS attribute")
	}
	if !addr.IP.Equal(net.ParseIP("203.0.113.5")) || addr.Port != 54321 {
		t.Errorf("got %v, want 203.0.113.5:54321", addr)
	}
}

func TestChannelDataRoundTrip(t *testing.T) {
	t.Parallel()

	frame := BuildChannelData(0x4001, []byte("world"))
	if !IsChannelData(frame) {
		t.Fatal("expected IsChannelData to recognize its own framing")
	}
	if IsChannelData(frame[:1]) {
		t.Fatal("expected IsChannelData to reject a too-short buffer")
	}

	channel, payload, err := ParseChannelData(frame)
	if err != nil {
		t.Fatalf("ParseChannelData: %v", err)
	}
	if channel != 0x4001 {
		t.Errorf("channel = %#x, want 0x4001", channel)
	}
	if string(payload) != "world" {
		t.Errorf("payload = %q, want %q", payload, "world")
	}
}

func TestChannelDataExactBytes(t *testing.T) {
	t.Parallel()

	frame := BuildChannelData(0x4000, []byte("world"))
	want := []byte{0x40, 0x00, 0x00, 0x05, 'w', 'o', 'r', 'l', 'd', 0x00, 0x00, 0x00}
	if len(frame) != len(want) {
		t.Fatalf("frame length = %d, want %d", len(frame), len(want))
	}
	for i := range want {
		if frame[i] != want[i] {
			t.Fatalf("byte %d = %#02x, want %#02x", i, frame[i], want[i])
		}
	}
}

func TestLifetimeAndData(t *testing.T) {
	t.Parallel()

	m, err := stun.Build(
		stun.NewMessageType(stun.MethodRefresh, stun.ClassRequest),
		stun.TransactionID{},
		Lifetime(600),
		Data([]byte("payload")),
		ChannelNumber(0x4002),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	decoded, err := stun.Decode(m.Raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if l, ok := GetLifetime(decoded); !ok || l != 600 {
		t.Errorf("lifetime = %v, ok=%v", l, ok)
	}
	if d, ok := GetData(decoded); !ok || string(d) != "payload" {
		t.Errorf("data = %q, ok=%v", d, ok)
	}
	if c, ok := GetChannelNumber(decoded); !ok || c != 0x4002 {
		t.Errorf("channel number = %#x, ok=%v", c, ok)
	}
}

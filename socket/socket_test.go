package socket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kuuji/turnsock/internal/stun"
	"github.com/kuuji/turnsock/internal/turnattr"
)

// fakeTURNServer is a minimal UDP TURN server: it challenges the first
// Allocate with a 401 carrying REALM/NONCE, then grants the authenticated
// retry a fixed relayed address. It exists only to drive Socket.Dial
// end to end; it does not implement CreatePermission, ChannelBind, or any
// data-plane method.
type fakeTURNServer struct {
	conn       *net.UDPConn
	relayedIP  net.IP
	relayedPt  int
	nonce      string
	realm      string
	challenged bool
}

func newFakeTURNServer(t *testing.T) *fakeTURNServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	s := &fakeTURNServer{
		conn:      conn,
		relayedIP: net.ParseIP("203.0.113.50"),
		relayedPt: 56789,
		nonce:     "server-nonce",
		realm:     "turnsock",
	}
	go s.serve(t)
	return s
}

func (s *fakeTURNServer) addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

func (s *fakeTURNServer) serve(t *testing.T) {
	buf := make([]byte, 1500)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := stun.Decode(append([]byte(nil), buf[:n]...))
		if err != nil || req.Type.Method != stun.MethodAllocate {
			continue
		}

		if _, ok := stun.GetUsername(req); !ok {
			resp, err := stun.Build(
				stun.NewMessageType(stun.MethodAllocate, stun.ClassErrorResponse),
				req.TransactionID,
				stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized, Reason: "Unauthorized"},
				stun.Realm(s.realm),
				stun.Nonce(s.nonce),
			)
			if err != nil {
				t.Errorf("build challenge: %v", err)
				continue
			}
			s.conn.WriteTo(resp.Raw, from)
			continue
		}

		resp, err := stun.Build(
			stun.NewMessageType(stun.MethodAllocate, stun.ClassSuccessResponse),
			req.TransactionID,
			turnattr.RelayedAddress{IP: s.relayedIP, Port: s.relayedPt},
			turnattr.Lifetime(600),
		)
		if err != nil {
			t.Errorf("build success: %v", err)
			continue
		}
		s.conn.WriteTo(resp.Raw, from)
	}
}

func (s *fakeTURNServer) close() { s.conn.Close() }

func TestSocket_DialEndToEnd(t *testing.T) {
	t.Parallel()

	turnSrv := newFakeTURNServer(t)
	defer turnSrv.close()

	candidate := fmt.Sprintf("candidate:1 1 udp 2130706431 %s %d typ relay",
		turnSrv.addr().IP.String(), turnSrv.addr().Port)

	sigSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"answer":{"sdp":"v=0"},"candidate":{"candidate":%q}}`, candidate)
	}))
	defer sigSrv.Close()

	sock := New(Config{
		ServerURL:  sigSrv.URL,
		PeerID:     "laptop",
		TURNSecret: "shared-secret",
	})
	defer sock.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sock.Dial(ctx); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	local, ok := sock.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("LocalAddr = %v, want *net.UDPAddr", sock.LocalAddr())
	}
	if local.Port != 56789 || !local.IP.Equal(net.ParseIP("203.0.113.50")) {
		t.Errorf("LocalAddr = %v, want 203.0.113.50:56789", local)
	}

	if err := sock.Dial(ctx); err == nil {
		t.Error("expected a second Dial on an already-dialed Socket to fail")
	}
}

func TestSocket_NotApplicableMethods(t *testing.T) {
	t.Parallel()

	sock := New(Config{})
	if err := sock.Connect(&net.UDPAddr{}); err != ErrNotApplicable {
		t.Errorf("Connect: got %v, want ErrNotApplicable", err)
	}
	if _, err := sock.Send([]byte("x")); err != ErrNotApplicable {
		t.Errorf("Send: got %v, want ErrNotApplicable", err)
	}
	if _, err := sock.Recv(make([]byte, 4)); err != ErrNotApplicable {
		t.Errorf("Recv: got %v, want ErrNotApplicable", err)
	}
	if sock.RemoteAddr() != nil {
		t.Errorf("RemoteAddr = %v, want nil", sock.RemoteAddr())
	}
}

func TestSocket_NotConnectedBeforeDial(t *testing.T) {
	t.Parallel()

	sock := New(Config{})
	if _, err := sock.SendTo([]byte("x"), &net.UDPAddr{}); err != ErrNotConnected {
		t.Errorf("SendTo: got %v, want ErrNotConnected", err)
	}
	if _, _, err := sock.RecvFrom(make([]byte, 4)); err != ErrNotConnected {
		t.Errorf("RecvFrom: got %v, want ErrNotConnected", err)
	}
	if sock.LocalAddr() != nil {
		t.Errorf("LocalAddr = %v, want nil", sock.LocalAddr())
	}
	if err := sock.Close(); err != nil {
		t.Errorf("Close before Dial: %v", err)
	}
}

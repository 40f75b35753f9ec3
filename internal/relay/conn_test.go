package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"

	"github.com/kuuji/turnsock/internal/stun"
	"github.com/kuuji/turnsock/internal/turnattr"
)

// fakeObserver is an in-memory Observer: no socket, just a configurable
// responder, so Conn's state machine can be driven deterministically.
type fakeObserver struct {
	mu         sync.Mutex
	serverAddr net.Addr
	username   stun.Username
	realm      stun.Realm
	written    [][]byte
	respond    func(msg *stun.Message) (*stun.Message, error)
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{
		serverAddr: &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 3478},
		username:   "alice",
		realm:      "turnsock",
	}
}

func (f *fakeObserver) TURNServerAddr() net.Addr { return f.serverAddr }
func (f *fakeObserver) Username() stun.Username  { return f.username }
func (f *fakeObserver) Realm() stun.Realm        { return f.realm }

func (f *fakeObserver) WriteTo(data []byte, _ net.Addr) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.mu.Unlock()
	return len(data), nil
}

func (f *fakeObserver) PerformTransaction(msg *stun.Message, to net.Addr, ignoreResult bool) (*stun.Message, error) {
	if _, err := f.WriteTo(msg.Raw, to); err != nil {
		return nil, err
	}
	if ignoreResult {
		return nil, nil
	}
	return f.respond(msg)
}

func successResponder(msgType stun.MessageType, extra ...stun.Setter) func(*stun.Message) (*stun.Message, error) {
	return func(req *stun.Message) (*stun.Message, error) {
		setters := append([]stun.Setter{msgType, req.TransactionID}, extra...)
		return stun.Build(setters...)
	}
}

func newTestConn(t *testing.T, obs *fakeObserver) *Conn {
	t.Helper()
	return NewConn(ConnConfig{
		Observer:     obs,
		RelayedAddr:  &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 40000},
		IntegrityKey: DeriveAuthKey("alice", "turnsock", "pw"),
		Nonce:        "initial-nonce",
		Lifetime:     10 * time.Minute,
		Log:          logging.NewDefaultLoggerFactory().NewLogger("relay_test"),
	})
}

func TestSendTo_ColdSendUsesIndicationThenChannelData(t *testing.T) {
	t.Parallel()

	obs := newFakeObserver()
	obs.respond = func(req *stun.Message) (*stun.Message, error) {
		switch req.Type.Method {
		case stun.MethodCreatePermission:
			return successResponder(stun.NewMessageType(stun.MethodCreatePermission, stun.ClassSuccessResponse))(req)
		case stun.MethodChannelBind:
			return successResponder(stun.NewMessageType(stun.MethodChannelBind, stun.ClassSuccessResponse))(req)
		default:
			t.Fatalf("unexpected request method %v", req.Type.Method)
			return nil, nil
		}
	}

	c := newTestConn(t, obs)
	defer c.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9000}

	if _, err := c.SendTo([]byte("hello"), peer); err != nil {
		t.Fatalf("first SendTo: %v", err)
	}
	b, ok := c.bindingMgr.findByAddr(peer)
	if !ok {
		t.Fatal("expected a binding to exist after the cold send")
	}
	waitForBindingState(t, b, bindingStateReady)
	if _, err := c.SendTo([]byte("world"), peer); err != nil {
		t.Fatalf("second SendTo: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()

	if len(obs.written) < 3 {
		t.Fatalf("expected at least 3 writes (CreatePermission, ChannelBind, data), got %d", len(obs.written))
	}

	// The first data-carrying write (the cold send) must be a Send
	// indication, not ChannelData framing.
	foundIndication := false
	for _, w := range obs.written {
		if stun.IsMessage(w) {
			msg, err := stun.Decode(w)
			if err == nil && msg.Type == stun.NewMessageType(stun.MethodSend, stun.ClassIndication) {
				foundIndication = true
				break
			}
		}
	}
	if !foundIndication {
		t.Error("expected the cold send to go out as a Send indication")
	}

	// The second send, now that the channel is bound, must be ChannelData.
	last := obs.written[len(obs.written)-1]
	if !turnattr.IsChannelData(last) {
		t.Errorf("expected the second send to use ChannelData framing, got %x", last)
	}
	channel, payload, err := turnattr.ParseChannelData(last)
	if err != nil {
		t.Fatalf("ParseChannelData: %v", err)
	}
	if string(payload) != "world" {
		t.Errorf("payload = %q, want %q", payload, "world")
	}
	if channel < turnattr.MinChannelNumber || channel > turnattr.MaxChannelNumber {
		t.Errorf("channel %#x out of range", channel)
	}
}

func TestChannelDataExactByteSequence(t *testing.T) {
	t.Parallel()

	frame := turnattr.BuildChannelData(0x4000, []byte("world"))
	want := []byte{0x40, 0x00, 0x00, 0x05, 'w', 'o', 'r', 'l', 'd', 0x00, 0x00, 0x00}
	if string(frame) != string(want) {
		t.Fatalf("got %x, want %x", frame, want)
	}
}

func TestSendTo_StaleNonceConverges(t *testing.T) {
	t.Parallel()

	obs := newFakeObserver()
	var attempts int
	obs.respond = func(req *stun.Message) (*stun.Message, error) {
		if req.Type.Method != stun.MethodCreatePermission {
			return successResponder(stun.NewMessageType(req.Type.Method, stun.ClassSuccessResponse))(req)
		}
		attempts++
		if attempts < 2 {
			return stun.Build(
				stun.NewMessageType(stun.MethodCreatePermission, stun.ClassErrorResponse),
				req.TransactionID,
				stun.ErrorCodeAttribute{Code: stun.CodeStaleNonce, Reason: "Stale Nonce"},
				stun.Nonce("rotated-nonce"),
			)
		}
		return stun.Build(
			stun.NewMessageType(stun.MethodCreatePermission, stun.ClassSuccessResponse),
			req.TransactionID,
		)
	}

	c := newTestConn(t, obs)
	defer c.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.10"), Port: 1}
	if _, err := c.SendTo([]byte("x"), peer); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly 2 CreatePermission attempts (stale nonce then success), got %d", attempts)
	}

	c.mutex.RLock()
	nonce := c.nonce
	c.mutex.RUnlock()
	if nonce != "rotated-nonce" {
		t.Errorf("nonce = %q, want %q", nonce, "rotated-nonce")
	}
}

func TestRecvFrom_ShortBufferDoesNotConsume(t *testing.T) {
	t.Parallel()

	obs := newFakeObserver()
	c := newTestConn(t, obs)
	defer c.Close()

	from := &net.UDPAddr{IP: net.ParseIP("203.0.113.20"), Port: 4000}
	msg, err := stun.Build(
		stun.NewMessageType(stun.MethodData, stun.ClassIndication),
		mustTransactionID(t),
		turnattr.PeerAddress{IP: from.IP, Port: from.Port},
		turnattr.Data([]byte("0123456789")),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c.HandleInbound(msg.Raw, from)

	small := make([]byte, 4)
	if _, _, err := c.RecvFrom(small); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}

	large := make([]byte, 32)
	n, addr, err := c.RecvFrom(large)
	if err != nil {
		t.Fatalf("RecvFrom after growing buffer: %v", err)
	}
	if string(large[:n]) != "0123456789" {
		t.Errorf("payload = %q", large[:n])
	}
	if addr.String() != from.String() {
		t.Errorf("from = %v, want %v", addr, from)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	obs := newFakeObserver()
	obs.respond = successResponder(stun.NewMessageType(stun.MethodRefresh, stun.ClassSuccessResponse))
	c := newTestConn(t, obs)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != ErrAlreadyClosed {
		t.Fatalf("second Close: got %v, want ErrAlreadyClosed", err)
	}

	if _, err := c.SendTo([]byte("x"), &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1}); err != ErrAlreadyClosed {
		t.Errorf("SendTo after Close: got %v, want ErrAlreadyClosed", err)
	}
	if _, _, err := c.RecvFrom(make([]byte, 16)); err != ErrAlreadyClosed {
		t.Errorf("RecvFrom after Close: got %v, want ErrAlreadyClosed", err)
	}
}

func TestSendTo_StaleBindingRefreshesInBackground(t *testing.T) {
	t.Parallel()

	obs := newFakeObserver()
	var channelBinds int32
	unblockBind := make(chan struct{})
	obs.respond = func(req *stun.Message) (*stun.Message, error) {
		switch req.Type.Method {
		case stun.MethodCreatePermission:
			return successResponder(stun.NewMessageType(stun.MethodCreatePermission, stun.ClassSuccessResponse))(req)
		case stun.MethodChannelBind:
			n := atomic.AddInt32(&channelBinds, 1)
			if n == 2 {
				// The refresh bind: block until the test has observed that
				// SendTo already returned via ChannelData without waiting.
				<-unblockBind
			}
			return successResponder(stun.NewMessageType(stun.MethodChannelBind, stun.ClassSuccessResponse))(req)
		default:
			t.Fatalf("unexpected request method %v", req.Type.Method)
			return nil, nil
		}
	}

	c := newTestConn(t, obs)
	defer c.Close()

	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.11"), Port: 9000}

	if _, err := c.SendTo([]byte("hello"), peer); err != nil {
		t.Fatalf("cold SendTo: %v", err)
	}

	b, ok := c.bindingMgr.findByAddr(peer)
	if !ok {
		t.Fatal("expected a binding to exist after the cold send")
	}
	waitForBindingState(t, b, bindingStateReady)

	// Force the binding stale, as if it had been Ready for over 5 minutes.
	b.mutex.Lock()
	b.refreshedAt = time.Now().Add(-bindingRefreshInterval - time.Second)
	b.mutex.Unlock()

	start := time.Now()
	if _, err := c.SendTo([]byte("world"), peer); err != nil {
		t.Fatalf("stale SendTo: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed > 100*time.Millisecond {
		t.Errorf("SendTo on a stale binding blocked for %s, want it to return immediately", elapsed)
	}

	obs.mu.Lock()
	foundChannelData := false
	for _, w := range obs.written {
		if turnattr.IsChannelData(w) {
			if _, payload, err := turnattr.ParseChannelData(w); err == nil && string(payload) == "world" {
				foundChannelData = true
				break
			}
		}
	}
	obs.mu.Unlock()
	if !foundChannelData {
		t.Fatal("expected the refresh-window send to go out as ChannelData")
	}

	if st := b.state(); st != bindingStateRefresh {
		t.Errorf("binding state = %v, want Refresh while the background rebind is in flight", st)
	}

	close(unblockBind)
	waitForBindingState(t, b, bindingStateReady)

	if n := atomic.LoadInt32(&channelBinds); n != 2 {
		t.Errorf("expected exactly 2 ChannelBind transactions (initial + refresh), got %d", n)
	}
}

func waitForBindingState(t *testing.T, b *binding, want bindingState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.state() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("binding state never reached %v, stuck at %v", want, b.state())
}

func mustTransactionID(t *testing.T) stun.TransactionID {
	t.Helper()
	id, err := stun.NewTransactionID()
	if err != nil {
		t.Fatalf("NewTransactionID: %v", err)
	}
	return id
}

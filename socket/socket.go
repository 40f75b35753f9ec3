// Package socket is the public surface of turnsock: a datagram-style socket
// whose packets travel over a TURN relay instead of directly to the peer.
// Where a real peer address would have to be reachable on the open
// internet, a Socket's LocalAddr is a server-allocated relayed transport
// address that any permitted peer can reach through the TURN server.
//
// A Socket is bootstrapped, not dialed in the net.Conn sense: Dial performs
// the one-shot HTTP signaling exchange this module uses to learn which TURN
// server and peer to talk to, then the TURN Allocate handshake that claims
// a relayed address. Everything after that is ordinary SendTo/RecvFrom
// traffic over internal/relay.Conn.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/kuuji/turnsock/internal/iceaddr"
	"github.com/kuuji/turnsock/internal/relay"
	"github.com/kuuji/turnsock/internal/signaling"
	"github.com/kuuji/turnsock/internal/stun"
)

// ErrNotApplicable is returned by the net.Conn-shaped methods a relayed,
// multi-peer datagram socket has no meaning for: there is no single
// "the" remote to Connect to, and no ordered byte stream to Read or Write.
var ErrNotApplicable = errors.New("socket: not applicable to a relayed datagram socket")

// ErrNotConnected is returned by SendTo/RecvFrom before Dial has completed
// successfully. LocalAddr returns nil until then.
var ErrNotConnected = errors.New("socket: not connected, call Dial first")

// Config configures a Socket.
type Config struct {
	// ServerURL is the signaling endpoint the offer is POSTed to.
	ServerURL string

	// PeerID identifies this client in the TURN REST API username.
	PeerID string

	// TURNSecret is the shared secret used to derive time-limited TURN
	// credentials.
	TURNSecret string

	// AllocationLifetime is the lifetime requested from the TURN server.
	// Defaults to relay.DefaultAllocateLifetime.
	AllocationLifetime time.Duration

	// Log receives protocol-level log lines from the relay layer. If nil,
	// the relay layer does not log.
	Log logging.LeveledLogger

	// SignalLog receives the signaling exchange's structured log lines. If
	// nil, slog.Default() is used.
	SignalLog *slog.Logger
}

// Socket is a relayed datagram socket. The zero value is not usable; build
// one with New and call Dial before sending or receiving.
type Socket struct {
	cfg Config

	mu       sync.RWMutex
	obs      *relay.UDPObserver
	conn     *relay.Conn
	peerAddr *net.UDPAddr
}

// New creates a Socket from cfg. Call Dial to perform the signaling
// exchange and TURN allocation before using it.
func New(cfg Config) *Socket {
	return &Socket{cfg: cfg}
}

// Dial performs the signaling exchange and the TURN allocation that bring
// this Socket up: it POSTs a local offer to cfg.ServerURL, parses the
// returned ICE candidate into a dial-able TURN server address, allocates a
// relayed transport address on that server, and starts the underlying
// relay.Conn. Dial is not idempotent; calling it twice on an already-dialed
// Socket returns an error.
func (s *Socket) Dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("socket: already dialed")
	}

	sigClient := signaling.NewClient(signaling.ClientConfig{
		ServerURL: s.cfg.ServerURL,
		Logger:    s.cfg.SignalLog,
	})

	// A local offer is opaque to this module the same way the server's ICE
	// candidate is: no SDP is generated or parsed, only enough text to let
	// the signaling server correlate this peer's session.
	offer := fmt.Sprintf("turnsock-offer peer=%s", s.cfg.PeerID)

	sess, err := sigClient.Exchange(ctx, offer)
	if err != nil {
		return err
	}

	candidate, err := iceaddr.Parse(sess.Candidate.Candidate)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	serverAddr, err := candidate.UDPAddr()
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	obs, err := relay.NewUDPObserver(relay.UDPObserverConfig{
		ServerAddr: serverAddr,
		Log:        s.cfg.Log,
	})
	if err != nil {
		return err
	}

	username, password := relay.GenerateCredentials(s.cfg.TURNSecret, s.cfg.PeerID, 0)
	relayedAddr, lifetime, nonce, realm, key, err := relay.Allocate(obs, username, password, s.cfg.AllocationLifetime)
	if err != nil {
		obs.Close()
		return fmt.Errorf("socket: allocate: %w", err)
	}
	obs.SetCredentials(stun.Username(username), stun.Realm(realm))

	conn := relay.NewConn(relay.ConnConfig{
		Observer:     obs,
		RelayedAddr:  relayedAddr,
		IntegrityKey: key,
		Nonce:        nonce,
		Lifetime:     lifetime,
		Log:          s.cfg.Log,
	})
	obs.Attach(conn)

	s.obs = obs
	s.conn = conn
	return nil
}

// SendTo sends p to addr, establishing a permission and (after the first
// packet) a bound channel for addr the same way internal/relay.Conn does.
func (s *Socket) SendTo(p []byte, addr *net.UDPAddr) (int, error) {
	conn, err := s.activeConn()
	if err != nil {
		return 0, err
	}
	return conn.SendTo(p, addr)
}

// RecvFrom blocks until a packet arrives from any permitted peer and
// returns it along with that peer's address.
func (s *Socket) RecvFrom(buf []byte) (int, net.Addr, error) {
	conn, err := s.activeConn()
	if err != nil {
		return 0, nil, err
	}
	return conn.RecvFrom(buf)
}

// LocalAddr returns the server-allocated relayed transport address peers
// reach this Socket through.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// RemoteAddr always returns nil: a relayed allocation serves many peers at
// once, not a single connected remote.
func (s *Socket) RemoteAddr() net.Addr {
	return nil
}

// Close tears down the relay.Conn and its Observer. Close is idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	connErr := s.conn.Close()
	obsErr := s.obs.Close()
	if connErr != nil && !errors.Is(connErr, relay.ErrAlreadyClosed) {
		return connErr
	}
	if obsErr != nil && !errors.Is(obsErr, relay.ErrAlreadyClosed) {
		return obsErr
	}
	return nil
}

// Connect exists to satisfy a net.Conn-shaped API but has no meaning for a
// socket that serves many peers through one relayed address: it always
// returns ErrNotApplicable.
func (s *Socket) Connect(addr net.Addr) error {
	return ErrNotApplicable
}

// Send exists to satisfy a net.Conn-shaped API but has no meaning without a
// Connect-ed peer: it always returns ErrNotApplicable. Use SendTo instead.
func (s *Socket) Send(p []byte) (int, error) {
	return 0, ErrNotApplicable
}

// Recv exists to satisfy a net.Conn-shaped API but has no meaning without a
// Connect-ed peer: it always returns ErrNotApplicable. Use RecvFrom instead.
func (s *Socket) Recv(buf []byte) (int, error) {
	return 0, ErrNotApplicable
}

func (s *Socket) activeConn() (*relay.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

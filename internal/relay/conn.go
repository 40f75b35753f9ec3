package relay

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/kuuji/turnsock/internal/stun"
	"github.com/kuuji/turnsock/internal/turnattr"
)

const (
	maxReadQueueSize    = 1024
	maxRetryAttempts    = 3
	permRefreshInterval = 4 * time.Minute
	allocRefreshMargin  = 60 * time.Second
	allocRefreshMinWait = 30 * time.Second
)

type inboundData struct {
	data []byte
	from net.Addr
}

// ConnConfig configures a new Conn.
type ConnConfig struct {
	Observer     Observer
	RelayedAddr  net.Addr
	IntegrityKey []byte
	Nonce        string
	Lifetime     time.Duration
	Log          logging.LeveledLogger
}

// Conn is the client-side view of one TURN allocation: it turns SendTo calls
// into the cheapest wire form available (ChannelData once a channel is
// bound, a Send indication otherwise), gating each peer's first send behind
// a CreatePermission, and demultiplexes inbound ChannelData and Data
// indications into a single RecvFrom queue. It owns no socket directly —
// all network I/O goes through the attached Observer — so it can be driven
// by a fake Observer in tests.
type Conn struct {
	obs          Observer
	relayedAddr  net.Addr
	permMap      *permissionMap
	bindingMgr   *bindingManager
	integrityKey []byte
	log          logging.LeveledLogger

	mutex    sync.RWMutex
	nonce    string
	lifetime time.Duration

	readCh    chan *inboundData
	recvMutex sync.Mutex
	pending   *inboundData

	closeCh chan struct{}
	closed  atomic.Bool

	refreshAllocTimer *PeriodicTimer
	refreshPermsTimer *PeriodicTimer
}

// NewConn creates a Conn over an already-allocated TURN relay address and
// starts its allocation- and permission-refresh timers.
func NewConn(cfg ConnConfig) *Conn {
	c := &Conn{
		obs:          cfg.Observer,
		relayedAddr:  cfg.RelayedAddr,
		permMap:      newPermissionMap(),
		bindingMgr:   newBindingManager(),
		integrityKey: cfg.IntegrityKey,
		nonce:        cfg.Nonce,
		lifetime:     cfg.Lifetime,
		readCh:       make(chan *inboundData, maxReadQueueSize),
		closeCh:      make(chan struct{}),
		log:          cfg.Log,
	}

	c.refreshAllocTimer = NewPeriodicTimer(allocRefreshInterval(cfg.Lifetime), func() {
		c.mutex.RLock()
		lifetime := c.lifetime
		c.mutex.RUnlock()
		if err := c.refreshAllocation(lifetime, false); err != nil && c.log != nil {
			c.log.Errorf("relay: allocation refresh failed: %s", err.Error())
		}
	})
	c.refreshPermsTimer = NewPeriodicTimer(permRefreshInterval, c.refreshPermissions)

	c.refreshAllocTimer.Start()
	c.refreshPermsTimer.Start()

	return c
}

func allocRefreshInterval(lifetime time.Duration) time.Duration {
	d := lifetime - allocRefreshMargin
	if d < allocRefreshMinWait {
		return allocRefreshMinWait
	}
	return d
}

// LocalAddr returns the server-allocated relayed transport address peers
// see this client as.
func (c *Conn) LocalAddr() net.Addr {
	return c.relayedAddr
}

// RemoteAddr always returns nil: a relayed allocation is not bound to a
// single peer the way a connected UDP socket is.
func (c *Conn) RemoteAddr() net.Addr {
	return nil
}

// SendTo sends p to addr, installing a permission for addr's IP if one
// isn't already active and upgrading to ChannelData once a channel bind for
// addr succeeds. Until the bind completes (or if it fails) data goes out as
// a Send indication instead, which is equally valid on the wire but carries
// more overhead. A Ready binding that has gone stale triggers a background
// re-bind without affecting this call. If no channel number is free for a
// new peer, SendTo returns an "addr not found" error.
func (c *Conn) SendTo(p []byte, addr *net.UDPAddr) (int, error) {
	if c.closed.Load() {
		return 0, ErrAlreadyClosed
	}

	perm, ok := c.permMap.find(addr)
	if !ok {
		perm = &permission{}
		c.permMap.insert(addr, perm)
	}
	if err := perm.ensurePermitted(func() error {
		return c.createPermissions(addr)
	}); err != nil {
		c.permMap.delete(addr)
		return 0, err
	}

	b, ok := c.bindingMgr.findByAddr(addr)
	if !ok {
		var created bool
		b, created = c.bindingMgr.create(addr)
		if !created {
			// Channel number space exhausted: no binding can be created
			// for this peer.
			return 0, errAddrNotFound
		}
	}

	// The bind, if one is needed, runs in the background: SendTo never waits
	// on a ChannelBind round trip. The first call for a peer claims Idle ->
	// Request, spawns the bind, and sends this packet as a Send indication
	// since the channel isn't usable yet. Once Ready, every subsequent call
	// uses ChannelData; if a binding has gone stale it also spawns a
	// background re-bind, but the current packet still goes out as
	// ChannelData since the binding remains usable while that completes.
	switch b.state() {
	case bindingStateReady:
		if b.claimRefresh() {
			go c.runBind(b)
		}
		return c.sendChannelData(p, b.number)
	case bindingStateIdle:
		if b.claimBind() {
			go c.runBind(b)
		}
	}

	return c.sendIndication(p, addr)
}

// runBind executes a ChannelBind transaction for b and records its outcome.
// Spawned as a goroutine by SendTo so the fast path never blocks on it.
func (c *Conn) runBind(b *binding) {
	err := c.bind(b)
	b.finishBind(err)
}

// RecvFrom returns the next queued payload and the peer address it arrived
// from. If buf is too small to hold it, ErrShortBuffer is returned and the
// datagram is left queued for the next call with a larger buffer.
func (c *Conn) RecvFrom(buf []byte) (int, net.Addr, error) {
	c.recvMutex.Lock()
	defer c.recvMutex.Unlock()

	if c.pending == nil {
		select {
		case ib, ok := <-c.readCh:
			if !ok {
				return 0, nil, ErrAlreadyClosed
			}
			c.pending = ib
		case <-c.closeCh:
			return 0, nil, ErrAlreadyClosed
		}
	}

	if len(buf) < len(c.pending.data) {
		return 0, nil, ErrShortBuffer
	}
	n := copy(buf, c.pending.data)
	from := c.pending.from
	c.pending = nil
	return n, from, nil
}

// Close stops the refresh timers, best-effort releases the allocation
// (Refresh with lifetime 0, result ignored), and unblocks any blocked
// RecvFrom call. Close is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	c.refreshAllocTimer.Stop()
	c.refreshPermsTimer.Stop()
	close(c.closeCh)
	_ = c.refreshAllocation(0, true)
	return nil
}

// HandleInbound is the Demuxer entry point the Observer's read loop calls
// with data that wasn't claimed by a pending transaction: ChannelData
// frames and Data indications.
func (c *Conn) HandleInbound(data []byte, from net.Addr) {
	if c.closed.Load() {
		return
	}

	var payload []byte
	var peer net.Addr

	switch {
	case turnattr.IsChannelData(data):
		number, p, err := turnattr.ParseChannelData(data)
		if err != nil {
			c.warnf("relay: dropping malformed ChannelData frame: %s", err.Error())
			return
		}
		b, ok := c.bindingMgr.findByNumber(number)
		if !ok {
			c.warnf("relay: %s: channel %#x", errAddrNotFound.Error(), number)
			return
		}
		payload = append([]byte(nil), p...)
		peer = b.addr

	case stun.IsMessage(data):
		msg, err := stun.Decode(data)
		if err != nil {
			c.warnf("relay: dropping malformed STUN message: %s", err.Error())
			return
		}
		if err := msg.ValidateAuth(c.integrityKey); err != nil {
			c.warnf("relay: dropping Data indication: %s", err.Error())
			return
		}
		if msg.Type != stun.NewMessageType(stun.MethodData, stun.ClassIndication) {
			c.warnf("relay: dropping unexpected inbound message %s", msg.Type)
			return
		}
		addr, ok, err := turnattr.GetPeerAddress(msg)
		if err != nil || !ok {
			c.warnf("relay: Data indication missing XOR-PEER-ADDRESS")
			return
		}
		d, ok := turnattr.GetData(msg)
		if !ok {
			c.warnf("relay: Data indication missing DATA")
			return
		}
		payload = append([]byte(nil), d...)
		peer = addr

	default:
		c.warnf("relay: dropping %d unrecognized bytes from %s", len(data), from)
		return
	}

	select {
	case c.readCh <- &inboundData{data: payload, from: peer}:
	default:
		c.warnf("relay: receive queue full, dropping %d bytes from %s", len(payload), peer)
	}
}

func (c *Conn) sendIndication(p []byte, addr *net.UDPAddr) (int, error) {
	txID, err := stun.NewTransactionID()
	if err != nil {
		return 0, err
	}
	msg, err := stun.Build(
		stun.NewMessageType(stun.MethodSend, stun.ClassIndication),
		txID,
		turnattr.PeerAddress{IP: addr.IP, Port: addr.Port},
		turnattr.Data(p),
		stun.Fingerprint{},
	)
	if err != nil {
		return 0, err
	}
	if _, err := c.obs.PerformTransaction(msg, c.obs.TURNServerAddr(), true); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) sendChannelData(p []byte, number uint16) (int, error) {
	frame := turnattr.BuildChannelData(number, p)
	if _, err := c.obs.WriteTo(frame, c.obs.TURNServerAddr()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// createPermissions installs or refreshes a CreatePermission for one or
// more peer addresses, retrying up to maxRetryAttempts times if the server
// asks for a fresher nonce.
func (c *Conn) createPermissions(addrs ...net.Addr) error {
	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		setters, err := c.authSetters(
			stun.NewMessageType(stun.MethodCreatePermission, stun.ClassRequest),
		)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			udpAddr, ok := addr.(*net.UDPAddr)
			if !ok {
				return fmt.Errorf("relay: peer address is not a *net.UDPAddr: %v", addr)
			}
			setters = append(setters, turnattr.PeerAddress{IP: udpAddr.IP, Port: udpAddr.Port})
		}
		setters = append(setters, stun.MessageIntegrity(c.integrityKey), stun.Fingerprint{})

		msg, err := stun.Build(setters...)
		if err != nil {
			return err
		}
		resp, err := c.obs.PerformTransaction(msg, c.obs.TURNServerAddr(), false)
		if err != nil {
			return err
		}

		if retry, err := c.handleErrorResponse(resp); err != nil {
			return err
		} else if retry {
			lastErr = ErrTryAgain
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrTryAgain
	}
	return lastErr
}

func (c *Conn) bind(b *binding) error {
	udpAddr, ok := b.addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("relay: binding address is not a *net.UDPAddr: %v", b.addr)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		setters, err := c.authSetters(
			stun.NewMessageType(stun.MethodChannelBind, stun.ClassRequest),
		)
		if err != nil {
			return err
		}
		setters = append(setters,
			turnattr.PeerAddress{IP: udpAddr.IP, Port: udpAddr.Port},
			turnattr.ChannelNumber(b.number),
			stun.MessageIntegrity(c.integrityKey),
			stun.Fingerprint{},
		)

		msg, err := stun.Build(setters...)
		if err != nil {
			return err
		}
		resp, err := c.obs.PerformTransaction(msg, c.obs.TURNServerAddr(), false)
		if err != nil {
			// Transport-level failure (timeout, network error): delete the
			// binding so the next SendTo to this peer starts a fresh bind
			// attempt instead of being stuck behind this one's state.
			c.bindingMgr.deleteByAddr(b.addr)
			return err
		}

		if retry, err := c.handleErrorResponse(resp); err != nil {
			// A TURN-level rejection (other than a stale nonce) is left as
			// a Failed binding rather than deleted, so this peer falls
			// back to Send indications without retrying a bind that's
			// likely to fail again.
			return err
		} else if retry {
			lastErr = ErrTryAgain
			continue
		}

		if resp.Type != stun.NewMessageType(stun.MethodChannelBind, stun.ClassSuccessResponse) {
			return fmt.Errorf("%w: unexpected response type %s", ErrUnexpectedResponse, resp.Type)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = ErrTryAgain
	}
	return lastErr
}

func (c *Conn) refreshAllocation(lifetime time.Duration, ignoreResult bool) error {
	setters, err := c.authSetters(stun.NewMessageType(stun.MethodRefresh, stun.ClassRequest))
	if err != nil {
		return err
	}
	setters = append(setters, turnattr.Lifetime(lifetime.Seconds()), stun.MessageIntegrity(c.integrityKey), stun.Fingerprint{})

	msg, err := stun.Build(setters...)
	if err != nil {
		return err
	}

	resp, err := c.obs.PerformTransaction(msg, c.obs.TURNServerAddr(), ignoreResult)
	if err != nil || ignoreResult {
		return err
	}

	if retry, err := c.handleErrorResponse(resp); err != nil {
		return err
	} else if retry {
		return c.refreshAllocation(lifetime, ignoreResult)
	}

	updated, ok := turnattr.GetLifetime(resp)
	if !ok {
		return fmt.Errorf("%w: refresh response missing LIFETIME", ErrUnexpectedResponse)
	}

	newLifetime := time.Duration(updated) * time.Second
	c.mutex.Lock()
	c.lifetime = newLifetime
	c.mutex.Unlock()
	c.refreshAllocTimer.SetInterval(allocRefreshInterval(newLifetime))
	return nil
}

func (c *Conn) refreshPermissions() {
	addrs := c.permMap.addrs()
	if len(addrs) == 0 {
		return
	}
	if err := c.createPermissions(addrs...); err != nil && c.log != nil {
		c.log.Errorf("relay: permission refresh failed: %s", err.Error())
	}
}

// authSetters returns the common prefix of every authenticated request this
// Conn sends: type, transaction id, USERNAME, REALM, NONCE. The caller
// appends its own attributes, then MESSAGE-INTEGRITY and FINGERPRINT last.
func (c *Conn) authSetters(msgType stun.MessageType) ([]stun.Setter, error) {
	txID, err := stun.NewTransactionID()
	if err != nil {
		return nil, err
	}
	c.mutex.RLock()
	nonce := c.nonce
	c.mutex.RUnlock()

	return []stun.Setter{
		msgType,
		txID,
		c.obs.Username(),
		c.obs.Realm(),
		stun.Nonce(nonce),
	}, nil
}

// handleErrorResponse inspects resp for an error class response. If it
// carries STALE_NONCE, the nonce is updated and retry is true so the caller
// rebuilds and resends the request. Any other error class response is
// returned as err.
func (c *Conn) handleErrorResponse(resp *stun.Message) (retry bool, err error) {
	if resp.Type.Class != stun.ClassErrorResponse {
		return false, nil
	}
	code, ok, cerr := stun.GetErrorCode(resp)
	if cerr != nil {
		return false, cerr
	}
	if ok && code.Code == stun.CodeStaleNonce {
		c.setNonceFromMsg(resp)
		return true, nil
	}
	if ok {
		return false, fmt.Errorf("%w: %s (%d %s)", ErrUnexpectedResponse, resp.Type, code.Code, code.Reason)
	}
	return false, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type)
}

func (c *Conn) setNonceFromMsg(msg *stun.Message) {
	n, ok := stun.GetNonce(msg)
	if !ok {
		return
	}
	c.mutex.Lock()
	c.nonce = string(n)
	c.mutex.Unlock()
}

func (c *Conn) warnf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Warnf(format, args...)
	}
}

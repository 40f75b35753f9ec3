package relay

import (
	"net"
	"sync"
	"time"

	"github.com/kuuji/turnsock/internal/turnattr"
)

// bindingRefreshInterval is how long a Ready binding is trusted before the
// next send_to to that peer spawns a background re-bind.
const bindingRefreshInterval = 5 * time.Minute

type bindingState int

const (
	bindingStateIdle bindingState = iota
	bindingStateRequest
	bindingStateReady
	bindingStateRefresh
	bindingStateFailed
)

// binding tracks the ChannelBind state for one peer address: the channel
// number it has been (or is being) bound to, and where in the bind
// lifecycle that is.
type binding struct {
	mutex       sync.Mutex
	addr        net.Addr
	number      uint16
	st          bindingState
	refreshedAt time.Time
}

func (b *binding) state() bindingState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.st
}

func (b *binding) setState(s bindingState) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.st = s
}

// claimBind transitions an Idle binding to Request and reports whether this
// caller made the transition. Only the caller that claims it is responsible
// for spawning the bind, so concurrent sends to the same peer don't race to
// bind twice.
func (b *binding) claimBind() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.st != bindingStateIdle {
		return false
	}
	b.st = bindingStateRequest
	return true
}

// claimRefresh transitions a Ready binding that has gone stale
// (bindingRefreshInterval since its last successful bind) to Refresh, and
// reports whether this caller made the transition. The binding stays usable
// for ChannelData while the refresh is in flight.
func (b *binding) claimRefresh() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.st != bindingStateReady || time.Since(b.refreshedAt) <= bindingRefreshInterval {
		return false
	}
	b.st = bindingStateRefresh
	return true
}

// finishBind records the outcome of a background bind or refresh attempt:
// Ready with refreshedAt stamped to now on success, Failed on error. Used
// after claimBind or claimRefresh has run the actual ChannelBind transaction
// in a separate goroutine so it never blocks SendTo.
func (b *binding) finishBind(err error) bindingState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if err == nil {
		b.st = bindingStateReady
		b.refreshedAt = time.Now()
	} else {
		b.st = bindingStateFailed
	}
	return b.st
}

// bindingManager allocates channel numbers from
// [turnattr.MinChannelNumber, turnattr.MaxChannelNumber] and indexes
// bindings both by peer address (the direction SendTo needs) and by channel
// number (the direction inbound ChannelData demuxing needs).
type bindingManager struct {
	mutex    sync.Mutex
	byAddr   map[string]*binding
	byNumber map[uint16]*binding
}

func newBindingManager() *bindingManager {
	return &bindingManager{
		byAddr:   map[string]*binding{},
		byNumber: map[uint16]*binding{},
	}
}

func (m *bindingManager) findByAddr(addr net.Addr) (*binding, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.byAddr[addr.String()]
	return b, ok
}

func (m *bindingManager) findByNumber(number uint16) (*binding, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	b, ok := m.byNumber[number]
	return b, ok
}

// create allocates the lowest free channel number and registers a new
// binding for addr. ok is false if the channel number space is exhausted.
func (m *bindingManager) create(addr net.Addr) (b *binding, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for n := turnattr.MinChannelNumber; n <= turnattr.MaxChannelNumber; n++ {
		if _, taken := m.byNumber[n]; taken {
			continue
		}
		b := &binding{addr: addr, number: n, st: bindingStateIdle}
		m.byAddr[addr.String()] = b
		m.byNumber[n] = b
		return b, true
	}
	return nil, false
}

func (m *bindingManager) deleteByAddr(addr net.Addr) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if b, ok := m.byAddr[addr.String()]; ok {
		delete(m.byNumber, b.number)
		delete(m.byAddr, addr.String())
	}
}

func (m *bindingManager) size() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.byAddr)
}

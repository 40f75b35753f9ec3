package relay

import (
	"net"
	"sync"
	"time"
)

// permTTL is how long an installed permission is considered fresh before a
// refresh round picks it up again.
const permTTL = 5 * time.Minute

type permState int

const (
	permStateIdle permState = iota
	permStatePermitted
)

// permission tracks whether a CreatePermission has been installed for one
// peer IP address and when it was last refreshed. Callers serialize on
// mutex while deciding whether to install or reuse a permission, so that
// concurrent sends to the same peer don't race to create it twice.
type permission struct {
	mutex       sync.Mutex
	st          permState
	refreshedAt time.Time
}

func (p *permission) state() permState {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.st
}

func (p *permission) setState(s permState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.st = s
	if s == permStatePermitted {
		p.refreshedAt = time.Now()
	}
}

// ensurePermitted installs a permission by calling create exactly once if
// the permission is currently Idle, transitioning to Permitted on success.
// Holding the per-permission lock across the network round trip in create
// serializes concurrent sends to the same peer so they observe a consistent
// state, at the cost of blocking only traffic to that one peer.
func (p *permission) ensurePermitted(create func() error) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.st == permStateIdle {
		if err := create(); err != nil {
			return err
		}
		p.st = permStatePermitted
		p.refreshedAt = time.Now()
	}
	return nil
}

func (p *permission) stale() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.st == permStatePermitted && time.Since(p.refreshedAt) > permTTL
}

// permissionMap indexes permissions by peer IP address only: RFC 8656
// permissions authorize a peer IP regardless of port, so two peers on the
// same host behind different ports share one entry.
type permissionMap struct {
	mutex sync.Mutex
	m     map[string]*permission
}

func newPermissionMap() *permissionMap {
	return &permissionMap{m: map[string]*permission{}}
}

func permKey(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String()
	default:
		return addr.String()
	}
}

func (m *permissionMap) find(addr net.Addr) (*permission, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.m[permKey(addr)]
	return p, ok
}

func (m *permissionMap) insert(addr net.Addr, p *permission) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.m[permKey(addr)] = p
}

func (m *permissionMap) delete(addr net.Addr) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.m, permKey(addr))
}

// addrs returns one representative net.Addr per cached permission, used to
// rebuild a CreatePermission request that refreshes every known peer at
// once.
func (m *permissionMap) addrs() []net.Addr {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	addrs := make([]net.Addr, 0, len(m.m))
	for ip := range m.m {
		addrs = append(addrs, &net.UDPAddr{IP: net.ParseIP(ip)})
	}
	return addrs
}

package relay

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/kuuji/turnsock/internal/stun"
)

const udpReadBufferSize = 1500

// UDPObserver is the concrete, socket-backed Observer: it dials the TURN
// server over UDP, owns a shared transaction Engine, and demultiplexes
// inbound traffic between that engine (STUN responses) and a single
// attached Conn (ChannelData frames and Data indications). A real
// deployment with multiple simultaneous allocations would run one
// UDPObserver (and one Conn) per allocation, the same 1:1 shape the
// signaling layer in this module establishes per Socket.
type UDPObserver struct {
	conn       net.PacketConn
	serverAddr net.Addr
	username   stun.Username
	realm      stun.Realm
	engine     *Engine
	log        logging.LeveledLogger

	mutex   sync.Mutex
	demux   Demuxer
	closeCh chan struct{}
}

// UDPObserverConfig configures a new UDPObserver.
type UDPObserverConfig struct {
	ServerAddr *net.UDPAddr
	Log        logging.LeveledLogger
}

// NewUDPObserver opens a UDP socket and starts the inbound read loop. The
// allocation's username and realm aren't known until Allocate's challenge
// comes back, so they're set afterwards with SetCredentials rather than
// passed in here.
func NewUDPObserver(cfg UDPObserverConfig) (*UDPObserver, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to open UDP socket: %w", err)
	}

	o := &UDPObserver{
		conn:       conn,
		serverAddr: cfg.ServerAddr,
		engine:     NewEngine(cfg.Log),
		log:        cfg.Log,
		closeCh:    make(chan struct{}),
	}
	go o.readLoop()
	return o, nil
}

// Attach registers the Conn that should receive inbound data not claimed by
// a pending transaction. Only one Conn may be attached at a time.
func (o *UDPObserver) Attach(d Demuxer) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.demux = d
}

// SetCredentials records the username and realm a Conn built on top of this
// Observer authenticates with. Called once, after Allocate resolves the
// realm the server actually challenged with.
func (o *UDPObserver) SetCredentials(username stun.Username, realm stun.Realm) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.username = username
	o.realm = realm
}

func (o *UDPObserver) TURNServerAddr() net.Addr { return o.serverAddr }

func (o *UDPObserver) Username() stun.Username {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.username
}

func (o *UDPObserver) Realm() stun.Realm {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.realm
}

func (o *UDPObserver) WriteTo(data []byte, to net.Addr) (int, error) {
	return o.conn.WriteTo(data, to)
}

func (o *UDPObserver) PerformTransaction(msg *stun.Message, to net.Addr, ignoreResult bool) (*stun.Message, error) {
	return o.engine.Perform(msg, func(raw []byte) error {
		_, err := o.conn.WriteTo(raw, to)
		return err
	}, ignoreResult)
}

// Close shuts down the socket, the read loop, and the transaction engine,
// unblocking any in-flight PerformTransaction calls with ErrAlreadyClosed.
func (o *UDPObserver) Close() error {
	select {
	case <-o.closeCh:
		return ErrAlreadyClosed
	default:
		close(o.closeCh)
	}
	o.engine.Close()
	return o.conn.Close()
}

func (o *UDPObserver) readLoop() {
	buf := make([]byte, udpReadBufferSize)
	for {
		n, from, err := o.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-o.closeCh:
				return
			default:
				if o.log != nil {
					o.log.Warnf("relay: read loop exiting: %s", err.Error())
				}
				return
			}
		}
		data := append([]byte(nil), buf[:n]...)

		if stun.IsMessage(data) {
			msg, err := stun.Decode(data)
			if err != nil {
				if o.log != nil {
					o.log.Warnf("relay: dropping malformed STUN message: %s", err.Error())
				}
				continue
			}
			if err := msg.ValidateAuth(nil); err != nil {
				if o.log != nil {
					o.log.Warnf("relay: dropping STUN message failing fingerprint check: %s", err.Error())
				}
				continue
			}
			if o.engine.Dispatch(msg) {
				continue
			}
			// Not a transaction response (e.g. a Data indication): fall
			// through to the attached Conn like any other inbound payload.
		}

		o.mutex.Lock()
		demux := o.demux
		o.mutex.Unlock()
		if demux != nil {
			demux.HandleInbound(data, from)
		} else if o.log != nil {
			o.log.Warnf("relay: no Conn attached, dropping %d bytes from %s", len(data), from)
		}
	}
}

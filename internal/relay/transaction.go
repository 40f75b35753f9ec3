package relay

import (
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/kuuji/turnsock/internal/stun"
)

// rtoSchedule is the retransmission backoff applied to a request
// transaction: the interval to wait before each retransmit, doubling and
// capped, followed by one final wait for a response after the last
// retransmit. Base RTO 500ms, 7 total transmissions, ~39.5s end to end —
// the schedule spec'd for this client's transaction engine.
var rtoSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

const finalTransactionWait = 8 * time.Second

// rtoJitterFraction bounds how much each retransmit wait is perturbed, so
// concurrent clients retransmitting against the same server don't all land
// in lockstep. Applied symmetrically, it leaves the schedule's ~39.5s total
// unchanged on average.
const rtoJitterFraction = 0.1

var rtoJitterRand = randutil.NewCryptoRandomGenerator()

// jitter perturbs d by up to +/- rtoJitterFraction, reusing the same
// generator type internal/stun uses for transaction ids rather than
// introducing a second randutil API surface.
func jitter(d time.Duration) time.Duration {
	span := int64(float64(d) * rtoJitterFraction)
	if span <= 0 {
		return d
	}
	offset := int64(rtoJitterRand.Uint32())%(2*span) - span
	return d + time.Duration(offset)
}

type outcome struct {
	msg *stun.Message
	err error
}

type pendingTransaction struct {
	ch chan outcome
}

// Engine correlates outgoing requests with their responses by transaction
// id and drives the RFC 5389 retransmission schedule. It has no socket of
// its own: callers supply a send function, letting the same Engine be
// exercised against a fake transport in tests.
type Engine struct {
	mutex   sync.Mutex
	pending map[stun.TransactionID]*pendingTransaction
	closed  bool
	log     logging.LeveledLogger
}

// NewEngine creates a transaction engine that logs through log.
func NewEngine(log logging.LeveledLogger) *Engine {
	return &Engine{
		pending: map[stun.TransactionID]*pendingTransaction{},
		log:     log,
	}
}

// Perform sends msg via send and, unless ignoreResult is set, waits for a
// matching response, retransmitting on the schedule in rtoSchedule. When
// ignoreResult is true the message is sent once and Perform returns
// immediately with a nil message (used for Send indications, which have no
// response by design).
func (e *Engine) Perform(msg *stun.Message, send func([]byte) error, ignoreResult bool) (*stun.Message, error) {
	if ignoreResult {
		return nil, send(msg.Raw)
	}

	p := &pendingTransaction{ch: make(chan outcome, 1)}

	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil, ErrAlreadyClosed
	}
	e.pending[msg.TransactionID] = p
	e.mutex.Unlock()

	defer func() {
		e.mutex.Lock()
		delete(e.pending, msg.TransactionID)
		e.mutex.Unlock()
	}()

	if err := send(msg.Raw); err != nil {
		return nil, err
	}

	for _, interval := range rtoSchedule {
		select {
		case o := <-p.ch:
			return o.msg, o.err
		case <-time.After(jitter(interval)):
			if e.log != nil {
				e.log.Debugf("retransmitting transaction %x", msg.TransactionID)
			}
			if err := send(msg.Raw); err != nil {
				return nil, err
			}
		}
	}

	select {
	case o := <-p.ch:
		return o.msg, o.err
	case <-time.After(finalTransactionWait):
		return nil, ErrTimeout
	}
}

// Dispatch delivers an inbound STUN response to the transaction it
// correlates with by transaction id. Returns false if no pending
// transaction matches (the caller should treat the message as unsolicited).
func (e *Engine) Dispatch(msg *stun.Message) bool {
	e.mutex.Lock()
	p, ok := e.pending[msg.TransactionID]
	e.mutex.Unlock()
	if !ok {
		return false
	}
	select {
	case p.ch <- outcome{msg: msg}:
	default:
	}
	return true
}

// Close aborts every pending transaction with ErrAlreadyClosed and rejects
// any future Perform call.
func (e *Engine) Close() {
	e.mutex.Lock()
	e.closed = true
	pending := e.pending
	e.pending = map[stun.TransactionID]*pendingTransaction{}
	e.mutex.Unlock()

	for _, p := range pending {
		select {
		case p.ch <- outcome{err: ErrAlreadyClosed}:
		default:
		}
	}
}

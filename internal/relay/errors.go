package relay

import "errors"

var (
	// ErrTimeout is returned when a request transaction exhausts its
	// retransmission schedule without a response.
	ErrTimeout = errors.New("turnsock: transaction timed out")

	// ErrTryAgain is returned when an operation should be retried by the
	// caller, typically after a nonce refresh.
	ErrTryAgain = errors.New("turnsock: try again")

	// ErrUnexpectedResponse is returned when a response doesn't match what
	// the request expected (wrong method, missing attribute).
	ErrUnexpectedResponse = errors.New("turnsock: unexpected response")

	// ErrAlreadyClosed is returned by operations attempted after Close.
	ErrAlreadyClosed = errors.New("turnsock: already closed")

	// ErrShortBuffer is returned by RecvFrom when the caller's buffer is too
	// small to hold the next queued datagram. The datagram is not consumed;
	// a retry with a larger buffer will succeed.
	ErrShortBuffer = errors.New("turnsock: short buffer")

	// errAddrNotFound is returned when the binding manager has exhausted the
	// channel number space. Phrased to match the lowercase "addr not found"
	// form carried over from the client this package is grounded on.
	errAddrNotFound = errors.New("addr not found")
)

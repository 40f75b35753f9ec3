package stun

import (
	"fmt"
)

const (
	attrUsername  uint16 = 0x0006
	attrRealm     uint16 = 0x0014
	attrNonce     uint16 = 0x0015
	attrErrorCode uint16 = 0x0009
)

// Username is the USERNAME attribute carrying the long-term-credential
// identity (the TURN REST API "<expiry>:<peerID>" convention lives one layer
// up, in internal/relay/credentials.go).
type Username string

// AddTo implements Setter.
func (u Username) AddTo(m *Message) error {
	m.add(attrUsername, []byte(u))
	return nil
}

// GetUsername extracts the USERNAME attribute, if present.
func GetUsername(m *Message) (Username, bool) {
	a, ok := m.Get(attrUsername)
	if !ok {
		return "", false
	}
	return Username(a.Value), true
}

// Realm is the REALM attribute.
type Realm string

// AddTo implements Setter.
func (r Realm) AddTo(m *Message) error {
	m.add(attrRealm, []byte(r))
	return nil
}

// GetRealm extracts the REALM attribute, if present.
func GetRealm(m *Message) (Realm, bool) {
	a, ok := m.Get(attrRealm)
	if !ok {
		return "", false
	}
	return Realm(a.Value), true
}

// Nonce is the NONCE attribute. The server rotates it on STALE_NONCE (438)
// error responses; the caller is responsible for storing the latest value
// and retrying with it (see internal/relay.Conn.setNonceFromMsg).
type Nonce string

// AddTo implements Setter.
func (n Nonce) AddTo(m *Message) error {
	m.add(attrNonce, []byte(n))
	return nil
}

// GetNonce extracts the NONCE attribute, if present.
func GetNonce(m *Message) (Nonce, bool) {
	a, ok := m.Get(attrNonce)
	if !ok {
		return "", false
	}
	return Nonce(a.Value), true
}

// Error codes this client distinguishes explicitly.
const (
	CodeUnauthorized    = 401
	CodeStaleNonce      = 438
	CodeAllocMismatch   = 437
)

// ErrorCodeAttribute is the ERROR-CODE attribute: a numeric code in
// [300, 699] plus a human-readable reason phrase (RFC 5389 Section 15.6).
type ErrorCodeAttribute struct {
	Code   int
	Reason string
}

// AddTo implements Setter.
func (e ErrorCodeAttribute) AddTo(m *Message) error {
	value := make([]byte, 4+len(e.Reason))
	value[2] = byte(e.Code / 100)
	value[3] = byte(e.Code % 100)
	copy(value[4:], e.Reason)
	m.add(attrErrorCode, value)
	return nil
}

// GetErrorCode extracts the ERROR-CODE attribute, if present.
func GetErrorCode(m *Message) (ErrorCodeAttribute, bool, error) {
	a, ok := m.Get(attrErrorCode)
	if !ok {
		return ErrorCodeAttribute{}, false, nil
	}
	if len(a.Value) < 4 {
		return ErrorCodeAttribute{}, false, fmt.Errorf("stun: short ERROR-CODE attribute: %w", ErrFormat)
	}
	class := int(a.Value[2])
	number := int(a.Value[3])
	return ErrorCodeAttribute{
		Code:   class*100 + number,
		Reason: string(a.Value[4:]),
	}, true, nil
}

package relay

import (
	"fmt"
	"net"
	"time"

	"github.com/kuuji/turnsock/internal/stun"
	"github.com/kuuji/turnsock/internal/turnattr"
)

// DefaultAllocateLifetime is the lifetime requested by Allocate when the
// caller doesn't ask for a specific one.
const DefaultAllocateLifetime = 10 * time.Minute

// Allocate performs the TURN Allocate handshake (RFC 8656 Section 9): an
// unauthenticated request, the 401 challenge carrying REALM and NONCE, and
// an authenticated retry, rotating the nonce again on STALE_NONCE. It
// returns everything a Conn needs to be constructed: the granted relayed
// address, the granted lifetime, the current nonce, and the derived
// MESSAGE-INTEGRITY key.
func Allocate(obs Observer, username, password string, lifetime time.Duration) (relayedAddr *net.UDPAddr, grantedLifetime time.Duration, nonce, realm string, integrityKey []byte, err error) {
	if lifetime == 0 {
		lifetime = DefaultAllocateLifetime
	}

	txID, err := stun.NewTransactionID()
	if err != nil {
		return nil, 0, "", "", nil, err
	}
	msg, err := stun.Build(
		stun.NewMessageType(stun.MethodAllocate, stun.ClassRequest),
		txID,
		turnattr.Lifetime(lifetime.Seconds()),
		stun.Fingerprint{},
	)
	if err != nil {
		return nil, 0, "", "", nil, err
	}

	resp, err := obs.PerformTransaction(msg, obs.TURNServerAddr(), false)
	if err != nil {
		return nil, 0, "", "", nil, err
	}

	if resp.Type.Class != stun.ClassErrorResponse {
		addr, lt, perr := parseAllocateSuccess(resp)
		return addr, lt, "", "", nil, perr
	}

	code, ok, err := stun.GetErrorCode(resp)
	if err != nil {
		return nil, 0, "", "", nil, err
	}
	if !ok || code.Code != stun.CodeUnauthorized {
		return nil, 0, "", "", nil, fmt.Errorf("%w: allocate challenge: %s", ErrUnexpectedResponse, resp.Type)
	}

	realmAttr, _ := stun.GetRealm(resp)
	currentRealm := string(realmAttr)
	nonceAttr, _ := stun.GetNonce(resp)
	currentNonce := string(nonceAttr)
	key := DeriveAuthKey(username, currentRealm, password)

	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		txID, err := stun.NewTransactionID()
		if err != nil {
			return nil, 0, "", "", nil, err
		}
		msg, err := stun.Build(
			stun.NewMessageType(stun.MethodAllocate, stun.ClassRequest),
			txID,
			turnattr.Lifetime(lifetime.Seconds()),
			stun.Username(username),
			stun.Realm(currentRealm),
			stun.Nonce(currentNonce),
			stun.MessageIntegrity(key),
			stun.Fingerprint{},
		)
		if err != nil {
			return nil, 0, "", "", nil, err
		}

		resp, err := obs.PerformTransaction(msg, obs.TURNServerAddr(), false)
		if err != nil {
			return nil, 0, "", "", nil, err
		}

		if resp.Type.Class == stun.ClassErrorResponse {
			code, ok, cerr := stun.GetErrorCode(resp)
			if cerr != nil {
				return nil, 0, "", "", nil, cerr
			}
			if ok && code.Code == stun.CodeStaleNonce {
				if n, ok := stun.GetNonce(resp); ok {
					currentNonce = string(n)
				}
				continue
			}
			return nil, 0, "", "", nil, fmt.Errorf("%w: allocate failed: %s (%d %s)", ErrUnexpectedResponse, resp.Type, code.Code, code.Reason)
		}

		addr, lt, err := parseAllocateSuccess(resp)
		return addr, lt, currentNonce, currentRealm, key, err
	}
	return nil, 0, "", "", nil, ErrTryAgain
}

func parseAllocateSuccess(resp *stun.Message) (*net.UDPAddr, time.Duration, error) {
	addr, ok, err := turnattr.GetRelayedAddress(resp)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%w: allocate response missing XOR-RELAYED-ADDRESS", ErrUnexpectedResponse)
	}
	lifetime, ok := turnattr.GetLifetime(resp)
	if !ok {
		return nil, 0, fmt.Errorf("%w: allocate response missing LIFETIME", ErrUnexpectedResponse)
	}
	return addr, time.Duration(lifetime) * time.Second, nil
}

package relay

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // required by the long-term credential mechanism
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultCredentialLifetime is the default validity period for generated
	// TURN REST API credentials.
	DefaultCredentialLifetime = 24 * time.Hour

	// DefaultRealm is the conventional turnsock realm name. Allocate does not
	// use it: it authenticates with the realm from the server's 401 challenge.
	DefaultRealm = "turnsock"
)

// GenerateCredentials creates time-limited TURN REST API credentials from a
// shared secret, following the convention coturn and pion/turn support:
//
//	username = "<unix_expiry>:<peerID>"
//	password = base64(HMAC-SHA1(secret, username))
func GenerateCredentials(secret, peerID string, lifetime time.Duration) (username, password string) {
	if lifetime == 0 {
		lifetime = DefaultCredentialLifetime
	}
	expiry := time.Now().Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, peerID)
	password = computePassword(secret, username)
	return username, password
}

// ValidateCredentials checks that TURN REST API credentials are valid and
// not expired, recomputing the password from the shared secret.
func ValidateCredentials(secret, username, password string) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("relay: invalid username format: expected '<expiry>:<peerID>'")
	}

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("relay: invalid expiry in username: %w", err)
	}
	if time.Now().Unix() > expiry {
		return fmt.Errorf("relay: credentials expired at %d", expiry)
	}

	expected := computePassword(secret, username)
	if !hmac.Equal([]byte(password), []byte(expected)) {
		return fmt.Errorf("relay: invalid password")
	}
	return nil
}

// DeriveAuthKey computes the long-term credential key used to key
// MESSAGE-INTEGRITY, per RFC 5389 Section 15.4:
//
//	key = MD5(username + ":" + realm + ":" + password)
func DeriveAuthKey(username, realm, password string) []byte {
	h := md5.New() //nolint:gosec // MD5 is mandated by the STUN/TURN long-term credential mechanism.
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}

func computePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Package ice assembles the STUN/TURN server list handed to clients and
// mints time-limited TURN credentials from a shared secret.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultCredentialLifetime is the default validity period for TURN credentials.
const DefaultCredentialLifetime = 24 * time.Hour

// Config describes the ICE servers offered to clients.
type Config struct {
	// STUNServers is a list of STUN URIs (e.g. "stun:stun.l.google.com:19302").
	STUNServers []string

	// TURNURL is the TURN server URI. Empty disables TURN.
	TURNURL string

	// TURNSecret is the shared secret used to derive time-limited TURN
	// credentials. Required when TURNURL is set.
	TURNSecret string

	// CredentialLifetime bounds the validity of minted TURN credentials.
	// Defaults to DefaultCredentialLifetime if zero.
	CredentialLifetime time.Duration
}

// Servers returns the ICE server list for one connection. TURN entries
// carry credentials bound to the connection id, so leaked credentials
// expire with the session's window rather than living forever.
func (c Config) Servers(connID string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(c.STUNServers) > 0 {
		urls := append([]string(nil), c.STUNServers...)
		servers = append(servers, webrtc.ICEServer{URLs: urls})
	}
	if c.TURNURL != "" && c.TURNSecret != "" {
		username, password := GenerateCredentials(c.TURNSecret, connID, c.CredentialLifetime)
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   username,
			Credential: password,
		})
	}
	return servers
}

// GenerateCredentials creates time-limited TURN REST API credentials from a
// shared secret. The username encodes the expiry timestamp and connection id.
// The password is an HMAC-SHA1 of the username, keyed by the shared secret.
//
// This follows the TURN REST API convention used by coturn and supported by
// pion/ice:
//
//	username = "<unix_expiry>:<connID>"
//	password = base64(HMAC-SHA1(secret, username))
func GenerateCredentials(secret, connID string, lifetime time.Duration) (username, password string) {
	if lifetime == 0 {
		lifetime = DefaultCredentialLifetime
	}
	expiry := time.Now().Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, connID)
	password = computePassword(secret, username)
	return username, password
}

// ValidateCredentials checks that TURN REST API credentials are valid and not
// expired. It recomputes the password from the shared secret and compares it
// to the provided password.
func ValidateCredentials(secret, username, password string) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid username format: expected '<expiry>:<connID>'")
	}

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry in username: %w", err)
	}

	if time.Now().Unix() > expiry {
		return fmt.Errorf("credentials expired at %d", expiry)
	}

	expected := computePassword(secret, username)
	if !hmac.Equal([]byte(password), []byte(expected)) {
		return fmt.Errorf("invalid password")
	}

	return nil
}

// computePassword generates the HMAC-SHA1 password for TURN REST API credentials.
func computePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

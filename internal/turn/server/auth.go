// Package server implements the TURN server of spec.md §4.6: the
// allocation table, long-term credential authentication, and the
// Allocate/Refresh/CreatePermission/ChannelBind/Send-Data/Connect/
// ConnectionBind/ConnectionAttempt operation set (RFC 5766 + RFC 6062).
// Grounded on original_source/src/turn/include/scy/turn/types.h's
// AuthenticationState enum and turn::Request wrapper, generalized from a
// single in-flight request into a full server loop the way the teacher's
// broker.go turns one BrokerContext request handler into a long-running
// dispatcher.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sourcey/libsourcey-go/internal/stun"
)

// Authenticator resolves a TURN long-term credential: given a username and
// the server's realm, it returns the HA1-equivalent key material (password,
// here -- LongTermKey derives the MD5 digest) or reports the user unknown.
type Authenticator interface {
	Password(username, realm string) (string, bool)
}

// StaticAuthenticator is a fixed username->password table, suitable for
// small deployments and the turnserver sample binary.
type StaticAuthenticator map[string]string

func (a StaticAuthenticator) Password(username, _ string) (string, bool) {
	p, ok := a[username]
	return p, ok
}

// nonceManager issues and validates the NONCE values used by the
// Allocate/Refresh/CreatePermission/ChannelBind 401 challenge-response flow
// (RFC 5389 §10.2). Nonces expire after Config.NonceLifetime to bound replay.
type nonceManager struct {
	mu       sync.Mutex
	issued   map[string]time.Time
	lifetime time.Duration
}

func newNonceManager(lifetime time.Duration) *nonceManager {
	return &nonceManager{issued: make(map[string]time.Time), lifetime: lifetime}
}

func (n *nonceManager) issue() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	nonce := hex.EncodeToString(b[:])
	n.mu.Lock()
	n.issued[nonce] = time.Now().Add(n.lifetime)
	n.mu.Unlock()
	return nonce
}

func (n *nonceManager) valid(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	exp, ok := n.issued[nonce]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(n.issued, nonce)
		return false
	}
	return true
}

func (n *nonceManager) sweep(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, exp := range n.issued {
		if now.After(exp) {
			delete(n.issued, k)
		}
	}
}

// authResult is the outcome of authenticateRequest.
type authResult struct {
	key      []byte
	username string
	ok       bool
	// challenge, when ok is false, means "send a 401 with a fresh nonce"
	// rather than a hard failure.
	challenge bool
	nonce     string
}

// authenticateRequest implements the long-term credential mechanism: a
// request with no MESSAGE-INTEGRITY gets challenged with a fresh nonce; one
// with MESSAGE-INTEGRITY is checked against the Authenticator's password
// and must carry a still-valid nonce, per RFC 5766 §6.
func (s *Server) authenticateRequest(m *stun.Message) authResult {
	usernameAttr := m.Get(stun.AttrUsername)
	nonceAttr := m.Get(stun.AttrNonce)
	miAttr := m.Get(stun.AttrMessageIntegrity)

	if usernameAttr == nil || nonceAttr == nil || miAttr == nil {
		return authResult{challenge: true, nonce: s.nonces.issue()}
	}
	if !s.nonces.valid(nonceAttr.String()) {
		return authResult{challenge: true, nonce: s.nonces.issue()}
	}
	username := usernameAttr.String()
	password, known := s.auth.Password(username, s.realm)
	if !known {
		return authResult{challenge: true, nonce: s.nonces.issue()}
	}
	key := stun.LongTermKey(username, s.realm, password)
	ok, err := m.VerifyMessageIntegrity(key)
	if err != nil || !ok {
		return authResult{challenge: true, nonce: s.nonces.issue()}
	}
	return authResult{key: key, username: username, ok: true}
}

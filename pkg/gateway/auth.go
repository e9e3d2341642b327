package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts bad signatures disconnect a websocket client.
const maxAuthAttempts = 3

const challengeBytes = 32

// Authenticator checks websocket challenge signatures and the /rpc secret
// header against one shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Challenge returns a fresh random hex challenge.
func (a *Authenticator) Challenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign computes the hex HMAC-SHA256 of challenge that a client sends back in
// its auth.response.
func Sign(secret, challenge string) string {
	return hex.EncodeToString(mac([]byte(secret), challenge))
}

func mac(secret []byte, challenge string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(challenge))
	return h.Sum(nil)
}

// Verify reports whether signature is the hex HMAC of challenge.
func (a *Authenticator) Verify(challenge, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(mac(a.secret, challenge), got)
}

// VerifySecret compares a header value with the shared secret in constant
// time.
func (a *Authenticator) VerifySecret(secret string) bool {
	return subtle.ConstantTimeCompare(a.secret, []byte(secret)) == 1
}

// Authenticate checks a client's signature over its outstanding challenge.
// A challenge is single use: success consumes it.
func (a *Authenticator) Authenticate(c *Client, signature string) AuthResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == connReady:
		return AuthResult{Event: "auth.success", Success: true}
	case c.challenge == "":
		return AuthResult{Event: "auth.failure", Message: "No challenge issued"}
	case c.failures >= maxAuthAttempts:
		return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
	}

	if !a.Verify(c.challenge, signature) {
		c.failures++
		if c.failures >= maxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	c.state = connReady
	c.challenge = ""
	c.failures = 0
	return AuthResult{Event: "auth.success", Success: true}
}

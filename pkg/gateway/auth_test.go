package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatorChallenge(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	first, err := auth.Challenge()
	require.NoError(t, err)
	second, err := auth.Challenge()
	require.NoError(t, err)

	assert.Len(t, first, 2*challengeBytes)
	assert.NotEqual(t, first, second)
}

func TestSignMatchesHMAC(t *testing.T) {
	h := hmac.New(sha256.New, []byte("test-secret"))
	h.Write([]byte("challenge"))

	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), Sign("test-secret", "challenge"))
}

func TestAuthenticatorVerify(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid", signature: Sign("test-secret", "challenge"), want: true},
		{name: "not hex", signature: "invalid-signature"},
		{name: "wrong secret", signature: Sign("wrong-secret", "challenge")},
		{name: "truncated", signature: Sign("test-secret", "challenge")[:10]},
		{name: "empty", signature: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, auth.Verify("challenge", tt.signature))
		})
	}
}

func TestAuthenticatorVerifySecret(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	assert.True(t, auth.VerifySecret("test-secret"))
	assert.False(t, auth.VerifySecret("test-secre"))
	assert.False(t, auth.VerifySecret(""))
}

func challengedClient(challenge string) *Client {
	c := &Client{ID: "test-client"}
	c.issueChallenge(challenge)
	return c
}

func TestAuthenticatorAuthenticate(t *testing.T) {
	auth := NewAuthenticator("test-secret")

	t.Run("valid signature consumes the challenge", func(t *testing.T) {
		client := challengedClient("test-challenge")

		result := auth.Authenticate(client, Sign("test-secret", "test-challenge"))

		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.True(t, client.Authenticated())
		assert.Empty(t, client.challenge)
		assert.Zero(t, client.failures)
	})

	t.Run("invalid signature counts a failure", func(t *testing.T) {
		client := challengedClient("test-challenge")

		result := auth.Authenticate(client, "invalid-signature")

		assert.False(t, result.Success)
		assert.Equal(t, "auth.failure", result.Event)
		assert.Equal(t, "Invalid signature", result.Message)
		assert.False(t, client.Authenticated())
		assert.Equal(t, 1, client.failures)
		assert.False(t, client.blocked())
	})

	t.Run("blocked after max attempts", func(t *testing.T) {
		client := challengedClient("test-challenge")

		var result AuthResult
		for i := 0; i < maxAuthAttempts; i++ {
			result = auth.Authenticate(client, "bad")
		}
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.True(t, client.blocked())

		result = auth.Authenticate(client, Sign("test-secret", "test-challenge"))
		assert.False(t, result.Success)
		assert.False(t, client.Authenticated())
	})

	t.Run("no challenge issued", func(t *testing.T) {
		result := auth.Authenticate(&Client{ID: "test-client"}, "any-signature")

		assert.False(t, result.Success)
		assert.Equal(t, "No challenge issued", result.Message)
	})
}

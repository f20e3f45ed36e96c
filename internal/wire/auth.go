package wire

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Signature computes the channel authentication signature: the lowercase hex
// SHA-256 digest of the agent ID, API key, timestamp, and nonce concatenated
// in that order. The agent signs with its key; the server recomputes from
// the stored key and compares in constant time.
func Signature(agentID, apiKey, timestamp, nonce string) string {
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte(apiKey))
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// NewNonce returns a fresh nonce for an AuthRequest.
func NewNonce() string {
	return uuid.New().String()
}

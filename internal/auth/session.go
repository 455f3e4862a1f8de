// session.go

// Bearer token and API key generation.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// tokenLen is the raw size of session tokens and generated API keys (256 bits).
const tokenLen = 32

// GenerateToken returns a 256-bit random session token (base64url, no padding)
// and its SHA-256 hash. The token goes to the client; the hash goes in storage.
func GenerateToken() (string, []byte, error) {
	var raw [tokenLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(raw[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), hash[:], nil
}

// HashToken decodes a client-presented token and returns its storage hash.
// ok is false for anything GenerateToken could not have produced.
func HashToken(token string) (hash []byte, ok bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return nil, false
	}
	sum := sha256.Sum256(raw)
	return sum[:], true
}

// GenerateAPIKey returns a fresh opaque 256-bit key, base64url encoded.
func GenerateAPIKey() (string, error) {
	var raw [tokenLen]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

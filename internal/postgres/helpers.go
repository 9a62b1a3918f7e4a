package postgres

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	sessionIDPrefix  = "cs_"
	sessionIDEntropy = 24
	maxSessionIDLen  = 128
)

// NewSessionID returns a fresh opaque checkout session identifier: "cs_"
// followed by 24 random bytes in unpadded URL-safe base64.
func NewSessionID() (string, error) {
	b := make([]byte, sessionIDEntropy)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return sessionIDPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// plausibleSessionID rejects ids no generator could have produced, so junk
// from the URL never reaches a query.
func plausibleSessionID(id string) bool {
	if id == "" || len(id) > maxSessionIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

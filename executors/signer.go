package executors

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes the X-Signature header for outbound webhooks.
type Signer struct {
	secretKey []byte
}

// NewSigner returns nil for an empty secret, which disables signing.
func NewSigner(secretKey string) *Signer {
	if secretKey == "" {
		return nil
	}
	return &Signer{secretKey: []byte(secretKey)}
}

// Sign returns the hex encoded HMAC-SHA256 of data.
func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches data.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

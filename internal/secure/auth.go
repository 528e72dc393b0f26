package secure

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
)

// TagSize is the protocol-wide truncated tag length in bytes, agreed out of band.
const TagSize = 2

// Authenticator computes and checks truncated HMAC tags.
// The zero value uses HMAC-SHA256.
type Authenticator struct {
	Hash func() hash.Hash
}

// Tag returns the last TagSize bytes of HMAC(key, hex(payload)).
func (a Authenticator) Tag(key, payload []byte) []byte {
	h := a.Hash
	if h == nil {
		h = sha256.New
	}
	mac := hmac.New(h, key)
	_, _ = mac.Write([]byte(hex.EncodeToString(payload)))
	sum := mac.Sum(nil)
	return append([]byte(nil), sum[len(sum)-TagSize:]...)
}

// Verify recomputes the tag with key and compares it byte-for-byte.
func (a Authenticator) Verify(key, payload, tag []byte) bool {
	if len(tag) != TagSize {
		return false
	}
	return subtle.ConstantTimeCompare(a.Tag(key, payload), tag) == 1
}

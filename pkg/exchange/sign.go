package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces a request signature over a canonical message. The
// credential material behind it is the caller's concern.
type Signer interface {
	Sign(message string) string
}

// HMACSigner signs with HMAC-SHA256 and hex encoding.
type HMACSigner struct {
	secret []byte
}

func NewHMACSigner(secret string) *HMACSigner {
	return &HMACSigner{secret: []byte(secret)}
}

func (s *HMACSigner) Sign(message string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalRequest builds the string signed for REST calls. The body must
// be the exact serialized bytes that go on the wire; signing a
// re-serialized or reordered body produces a different signature and a
// rejected request. Timestamps are single-use, so the signature is
// recomputed per request (including retries).
func canonicalRequest(timestamp, method, path, body string) string {
	return timestamp + method + path + body
}

// canonicalAuth builds the string signed for the token bootstrap call and
// the stream auth handshake. It proves identity without a token.
func canonicalAuth(accountID, timestamp string) string {
	return accountID + timestamp
}

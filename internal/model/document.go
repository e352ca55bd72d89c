package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Document is one source sustainability report. Identity is the content
// fingerprint: two fetches of byte-identical documents collapse to one
// pipeline chain.
type Document struct {
	URL         string `json:"url"`
	Fingerprint string `json:"fingerprint"`
}

// Fingerprint computes the stable content hash used as the idempotency key
// for every downstream stage.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

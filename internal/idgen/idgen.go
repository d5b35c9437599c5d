// Package idgen mints unguessable peer identifiers and delete tokens.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
)

// tokenBytes is 16 bytes (128 bits) of CSPRNG entropy per §4.1.
const tokenBytes = 16

// New returns a fresh, URL-safe, unpadded base64 token drawn independently
// from a cryptographic RNG. It is used both for peer identifiers and for
// room delete tokens; the two are never derived from one another.
func New() (string, error) {
	var b [tokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Package idgen generates random identifiers and one-time codes from crypto/rand.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// AlphanumericUpper is the alphabet used for human-typed codes.
const AlphanumericUpper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// WithPrefix returns prefix followed by 24 random hex characters, e.g.
// "pay_9f86d081884c7d659a2feaa0".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes random bytes hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Code returns n characters drawn uniformly from alphabet.
func Code(n int, alphabet string) string {
	if n <= 0 || alphabet == "" {
		return ""
	}
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out)
}

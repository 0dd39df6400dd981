// Package idstring renders opaque byte identifiers (such as a node's
// "addr:port" identity in the `sheepd nodes` table) as short base58 strings
// for logs and CLI output.
package idstring

import "github.com/btcsuite/btcutil/base58"

// Encode renders raw bytes as base58.
func Encode(raw []byte) string {
	return base58.Encode(raw)
}

// Decode parses a base58 string back to raw bytes.
func Decode(s string) ([]byte, error) {
	return base58.Decode(s), nil
}

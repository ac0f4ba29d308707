package mht

import (
	"golang.org/x/crypto/blake2b"
)

// ───────────────────────────────────────────────────────────────────────────
// Hashing primitives
// ───────────────────────────────────────────────────────────────────────────
//
// A single hash function H = BLAKE2b-256 is fixed for the whole system.
// Leaf encoding is H(page_bytes); internal encoding is H(left ∥ right).
// The padding hash is H(∅). The ADS builder and the verifier share these
// functions, so both sides agree on every encoding by construction.

// padHash is H(∅), the value of every padding position on the right spine.
var padHash = blake2b.Sum256(nil)

// LeafHash returns H(page_bytes).
func LeafHash(page []byte) Digest {
	return blake2b.Sum256(page)
}

// InternalHash returns H(left ∥ right).
func InternalHash(left, right Digest) Digest {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return blake2b.Sum256(buf[:])
}

// PadHash returns the canonical padding hash H(∅).
func PadHash() Digest {
	return padHash
}

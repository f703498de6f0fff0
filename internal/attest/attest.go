// Package attest signs and checks proof digests for the settlement backends.
//
// Each backend family attests in its native scheme: EVM sidechains use
// recoverable secp256k1 signatures over keccak256, channel networks use compact
// node signatures, overlays and oracles use Schnorr, and state channels use
// ed25519 co-signatures.
package attest

import (
	"crypto/sha256"
	"errors"
)

var (
	ErrBadSignature = errors.New("signature does not match attester")
	ErrMalformedKey = errors.New("malformed key")
)

type Attestor interface {
	// Scheme names the signature scheme, e.g. "secp256k1-keccak".
	Scheme() string

	// Identity is the public identity checked by Verify (address or public key).
	Identity() string

	Sign(digest []byte) ([]byte, error)

	Verify(digest, sig []byte) error
}

// TaggedHash computes sha256(sha256(tag) || sha256(tag) || parts...).
func TaggedHash(tag string, parts ...[]byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

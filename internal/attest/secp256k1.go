package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const nodeMessagePrefix = "Lightning Signed Message:"

// ParseSecp256k1Key decodes a hex-encoded 32 byte private key.
func ParseSecp256k1Key(hexKey string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: key length %d", ErrMalformedKey, len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// NodeSignature is the compact recoverable signature payment-channel nodes
// use for signed messages: double sha256 over a fixed prefix and the message.
type NodeSignature struct {
	key *secp256k1.PrivateKey
	pub *secp256k1.PublicKey
}

func NewNodeSignature(key *secp256k1.PrivateKey) *NodeSignature {
	return &NodeSignature{key: key, pub: key.PubKey()}
}

func (n *NodeSignature) Scheme() string { return "secp256k1-compact" }

func (n *NodeSignature) Identity() string {
	return hex.EncodeToString(n.pub.SerializeCompressed())
}

func nodeMessageHash(digest []byte) []byte {
	first := sha256.Sum256(append([]byte(nodeMessagePrefix), digest...))
	second := sha256.Sum256(first[:])
	return second[:]
}

func (n *NodeSignature) Sign(digest []byte) ([]byte, error) {
	return ecdsa.SignCompact(n.key, nodeMessageHash(digest), true), nil
}

func (n *NodeSignature) Verify(digest, sig []byte) error {
	pub, _, err := ecdsa.RecoverCompact(sig, nodeMessageHash(digest))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !pub.IsEqual(n.pub) {
		return fmt.Errorf("%w: recovered node %x", ErrBadSignature, pub.SerializeCompressed())
	}
	return nil
}

// Schnorr signs sha256(digest) with EC-Schnorr over secp256k1.
type Schnorr struct {
	key *secp256k1.PrivateKey
	pub *secp256k1.PublicKey
}

func NewSchnorr(key *secp256k1.PrivateKey) *Schnorr {
	return &Schnorr{key: key, pub: key.PubKey()}
}

// NewSchnorrVerifier checks signatures for a compressed public key.
func NewSchnorrVerifier(hexPub string) (*Schnorr, error) {
	raw, err := hex.DecodeString(hexPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return &Schnorr{pub: pub}, nil
}

func (s *Schnorr) Scheme() string { return "secp256k1-schnorr" }

func (s *Schnorr) Identity() string {
	return hex.EncodeToString(s.pub.SerializeCompressed())
}

func (s *Schnorr) Sign(digest []byte) ([]byte, error) {
	if s.key == nil {
		return nil, fmt.Errorf("attester %s has no signing key", s.Identity())
	}
	hash := sha256.Sum256(digest)
	sig, err := schnorr.Sign(s.key, hash[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

func (s *Schnorr) Verify(digest, sig []byte) error {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	hash := sha256.Sum256(digest)
	if !parsed.Verify(hash[:], s.pub) {
		return ErrBadSignature
	}
	return nil
}

package attest

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Ethereum signs keccak256(digest) with a recoverable secp256k1 signature and
// verifies by recovering the signer address.
type Ethereum struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewEthereum(hexKey string) (*Ethereum, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return NewEthereumFromKey(key), nil
}

func NewEthereumFromKey(key *ecdsa.PrivateKey) *Ethereum {
	return &Ethereum{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewEthereumVerifier checks signatures from address without signing.
func NewEthereumVerifier(address string) (*Ethereum, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: address %q", ErrMalformedKey, address)
	}
	return &Ethereum{address: common.HexToAddress(address)}, nil
}

func (e *Ethereum) Scheme() string { return "secp256k1-keccak" }

func (e *Ethereum) Identity() string { return e.address.Hex() }

func (e *Ethereum) Address() common.Address { return e.address }

func (e *Ethereum) Sign(digest []byte) ([]byte, error) {
	if e.key == nil {
		return nil, fmt.Errorf("attester %s has no signing key", e.address.Hex())
	}
	return crypto.Sign(crypto.Keccak256(digest), e.key)
}

func (e *Ethereum) Verify(digest, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(digest), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != e.address {
		return fmt.Errorf("%w: recovered %s, want %s", ErrBadSignature, signer.Hex(), e.address.Hex())
	}
	return nil
}

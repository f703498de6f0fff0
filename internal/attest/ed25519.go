package attest

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Ed25519 co-signs digests with a base58 ed25519 keypair.
type Ed25519 struct {
	key solana.PrivateKey
	pub solana.PublicKey
}

func NewEd25519(base58Key string) (*Ed25519, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return NewEd25519FromKey(key), nil
}

func NewEd25519FromKey(key solana.PrivateKey) *Ed25519 {
	return &Ed25519{key: key, pub: key.PublicKey()}
}

func (e *Ed25519) Scheme() string { return "ed25519" }

func (e *Ed25519) Identity() string { return e.pub.String() }

func (e *Ed25519) Sign(digest []byte) ([]byte, error) {
	sig, err := e.key.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("ed25519 sign: %w", err)
	}
	return sig[:], nil
}

func (e *Ed25519) Verify(digest, sig []byte) error {
	if len(sig) != len(solana.Signature{}) {
		return fmt.Errorf("%w: signature length %d", ErrBadSignature, len(sig))
	}
	if !solana.SignatureFromBytes(sig).Verify(e.pub, digest) {
		return ErrBadSignature
	}
	return nil
}

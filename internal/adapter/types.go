package adapter

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// LockHandle references a reservation on a source adapter. It stays valid
// until a proof is issued against it or it is released.
type LockHandle struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Asset     string    `json:"asset"`
	Amount    uint64    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Proof attests that funds were locked on the issuer. It may be applied by
// exactly one destination.
type Proof struct {
	ID        string    `json:"id"`
	Issuer    Kind      `json:"issuer"`
	LockID    string    `json:"lock_id"`
	Asset     string    `json:"asset"`
	Amount    uint64    `json:"amount"`
	Payload   []byte    `json:"payload"`
	Signature []byte    `json:"signature"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Digest is the sha256 of every field except Signature, each length-prefixed.
func (p *Proof) Digest() []byte {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	var num [8]byte

	writeField([]byte(p.ID))
	binary.BigEndian.PutUint32(num[:4], uint32(p.Issuer))
	writeField(num[:4])
	writeField([]byte(p.LockID))
	writeField([]byte(p.Asset))
	binary.BigEndian.PutUint64(num[:], p.Amount)
	writeField(num[:])
	writeField(p.Payload)
	binary.BigEndian.PutUint64(num[:], uint64(p.IssuedAt.UnixNano()))
	writeField(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(p.ExpiresAt.UnixNano()))
	writeField(num[:])

	return h.Sum(nil)
}

func (p *Proof) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	c.Signature = append([]byte(nil), p.Signature...)
	return &c
}

// Receipt describes the outcome of ApplyProof. Credited is false when the
// proof had already been applied by this adapter.
type Receipt struct {
	ProofID   string    `json:"proof_id"`
	Kind      Kind      `json:"kind"`
	Asset     string    `json:"asset"`
	Amount    uint64    `json:"amount"`
	Credited  bool      `json:"credited"`
	AppliedAt time.Time `json:"applied_at"`
}

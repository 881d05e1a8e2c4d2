package crypt

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// AdditiveCodec is a known-plaintext additive codec: handles carry the
// plaintext in a fixed 8-byte encoding and proofs are keccak commitments
// over (handle, domain, sender). It is NOT encryption — it exists so the
// engine can run end-to-end in development and so tests can open handles
// and assert exact balances. A production deployment swaps in a real
// homomorphic backend behind the same Homomorph interface.
type AdditiveCodec struct{}

func NewAdditiveCodec() *AdditiveCodec {
	return &AdditiveCodec{}
}

const handleSize = 8

func encodePlain(v int64) Handle {
	h := make(Handle, handleSize)
	binary.BigEndian.PutUint64(h, uint64(v))
	return h
}

func decodePlain(h Handle) (int64, error) {
	if len(h) != handleSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedHandle, len(h), handleSize)
	}
	return int64(binary.BigEndian.Uint64(h)), nil
}

func (c *AdditiveCodec) Zero() Handle {
	return encodePlain(0)
}

func (c *AdditiveCodec) Add(a, b Handle) (Handle, error) {
	av, err := decodePlain(a)
	if err != nil {
		return nil, err
	}
	bv, err := decodePlain(b)
	if err != nil {
		return nil, err
	}
	return encodePlain(av + bv), nil
}

func (c *AdditiveCodec) Sub(a, b Handle) (Handle, error) {
	av, err := decodePlain(a)
	if err != nil {
		return nil, err
	}
	bv, err := decodePlain(b)
	if err != nil {
		return nil, err
	}
	return encodePlain(av - bv), nil
}

func (c *AdditiveCodec) proofFor(h Handle, ctx Context) Proof {
	return crypto.Keccak256(h, ctx.Domain[:], ctx.Sender.Bytes())
}

func (c *AdditiveCodec) Verify(amt EncryptedAmount, ctx Context) error {
	if _, err := decodePlain(amt.Handle); err != nil {
		return err
	}
	want := c.proofFor(amt.Handle, ctx)
	if !hmac.Equal(want, amt.Proof) {
		return ErrInvalidProof
	}
	return nil
}

func (c *AdditiveCodec) Seal(plain int64, ctx Context) EncryptedAmount {
	h := encodePlain(plain)
	return EncryptedAmount{Handle: h, Proof: c.proofFor(h, ctx)}
}

// Open reveals the plaintext behind a handle. Test and debug use only —
// nothing in the engine calls this.
func (c *AdditiveCodec) Open(h Handle) (int64, error) {
	return decodePlain(h)
}

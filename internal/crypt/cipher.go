package crypt

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Handle is an opaque ciphertext. The core never decodes it — handles are
// only combined homomorphically or compared for storage.
type Handle []byte

// Proof attests that a ciphertext is well-formed under a given context.
type Proof []byte

// EncryptedAmount pairs a ciphertext handle with its well-formedness proof.
type EncryptedAmount struct {
	Handle Handle `json:"handle"`
	Proof  Proof  `json:"proof"`
}

// Context binds a ciphertext to the domain and sender it was produced for.
// Domain is derived from the encrypted token address so a ciphertext minted
// for one token cannot be replayed against another.
type Context struct {
	Domain [32]byte
	Sender common.Address
}

const domainSeed = "cipherpool:enc:v1"

// NewContext derives the verification context for (token, sender).
func NewContext(token common.Address, sender common.Address) Context {
	var domain [32]byte
	copy(domain[:], crypto.Keccak256([]byte(domainSeed), token.Bytes()))
	return Context{Domain: domain, Sender: sender}
}

var (
	ErrMalformedHandle = errors.New("malformed ciphertext handle")
	ErrInvalidProof    = errors.New("invalid ciphertext proof")
)

// Homomorph is the encryption capability boundary. Implementations combine
// ciphertext handles without revealing plaintext; the core calls nothing else.
type Homomorph interface {
	// Zero returns the ciphertext of zero (fresh balance).
	Zero() Handle

	// Add homomorphically combines two handles into their sum.
	Add(a, b Handle) (Handle, error)

	// Sub homomorphically combines two handles into their difference.
	Sub(a, b Handle) (Handle, error)

	// Verify checks the proof binds the handle to the given context.
	Verify(amt EncryptedAmount, ctx Context) error

	// Seal binds a plaintext amount into a verified ciphertext for the
	// context. Used where plaintext legitimately enters the encrypted
	// domain: deposits and AMM-derived settlement deltas.
	Seal(plain int64, ctx Context) EncryptedAmount
}

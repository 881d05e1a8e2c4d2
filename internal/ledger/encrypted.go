package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"CipherPool/internal/crypt"
)

var (
	ErrInvalidSender   = errors.New("invalid sender")
	ErrInvalidReceiver = errors.New("invalid receiver")
)

// EncryptedLedger maps (token, account) to an opaque encrypted balance
// handle, initialized to the ciphertext of zero on first touch. Operations
// only ever combine handles homomorphically; no plaintext is emitted.
//
// There is deliberately no underflow check: that is impossible without
// decryption. Negative-balance prevention is a protocol invariant enforced
// by the settlement engine, which never requests a burn larger than what
// was escrowed.
//
// Not thread-safe — only accessed from the single-threaded core.
type EncryptedLedger struct {
	h        crypt.Homomorph
	balances map[BalanceKey]crypt.Handle
}

func NewEncryptedLedger(h crypt.Homomorph) *EncryptedLedger {
	return &EncryptedLedger{
		h:        h,
		balances: make(map[BalanceKey]crypt.Handle),
	}
}

// Balance returns the current handle for (token, account), the ciphertext
// of zero if the cell was never touched.
func (el *EncryptedLedger) Balance(token, account common.Address) crypt.Handle {
	if h, ok := el.balances[BalanceKey{Token: token, Account: account}]; ok {
		return h
	}
	return el.h.Zero()
}

// Mint homomorphically adds enc to the account's balance.
func (el *EncryptedLedger) Mint(token, account common.Address, enc crypt.EncryptedAmount) error {
	if account == (common.Address{}) {
		return fmt.Errorf("mint %s: %w", token.Hex(), ErrInvalidReceiver)
	}
	key := BalanceKey{Token: token, Account: account}
	next, err := el.h.Add(el.Balance(token, account), enc.Handle)
	if err != nil {
		return fmt.Errorf("mint %s: %w", key.Path(), err)
	}
	el.balances[key] = next
	return nil
}

// Burn homomorphically subtracts enc from the account's balance.
func (el *EncryptedLedger) Burn(token, account common.Address, enc crypt.EncryptedAmount) error {
	if account == (common.Address{}) {
		return fmt.Errorf("burn %s: %w", token.Hex(), ErrInvalidSender)
	}
	key := BalanceKey{Token: token, Account: account}
	next, err := el.h.Sub(el.Balance(token, account), enc.Handle)
	if err != nil {
		return fmt.Errorf("burn %s: %w", key.Path(), err)
	}
	el.balances[key] = next
	return nil
}

// Transfer is an atomic burn(from) + mint(to). Both endpoints are checked
// before either side mutates.
func (el *EncryptedLedger) Transfer(token, from, to common.Address, enc crypt.EncryptedAmount) error {
	if from == (common.Address{}) {
		return fmt.Errorf("transfer %s: %w", token.Hex(), ErrInvalidSender)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer %s: %w", token.Hex(), ErrInvalidReceiver)
	}
	if err := el.Burn(token, from, enc); err != nil {
		return err
	}
	if err := el.Mint(token, to, enc); err != nil {
		// Burn succeeded but mint failed on a malformed handle. Restore the
		// sender so a half-applied transfer never survives.
		restored, addErr := el.h.Add(el.Balance(token, from), enc.Handle)
		if addErr != nil {
			panic(fmt.Sprintf("FATAL: transfer rollback failed for %s: %v", token.Hex(), addErr))
		}
		el.balances[BalanceKey{Token: token, Account: from}] = restored
		return err
	}
	return nil
}

// Snapshot returns a copy of all balance handles.
func (el *EncryptedLedger) Snapshot() map[BalanceKey]crypt.Handle {
	out := make(map[BalanceKey]crypt.Handle, len(el.balances))
	for k, v := range el.balances {
		h := make(crypt.Handle, len(v))
		copy(h, v)
		out[k] = h
	}
	return out
}

// Restore replaces all balances from a snapshot.
func (el *EncryptedLedger) Restore(balances map[BalanceKey]crypt.Handle) {
	el.balances = make(map[BalanceKey]crypt.Handle, len(balances))
	for k, v := range balances {
		h := make(crypt.Handle, len(v))
		copy(h, v)
		el.balances[k] = h
	}
}

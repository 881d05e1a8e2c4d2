package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
)

type allowanceKey struct {
	Asset   common.Address
	Owner   common.Address
	Spender common.Address
}

// PlainLedger is the ERC20-style fallback path for un-escrowed token
// operations: plaintext custody of underlying assets, bootstrap minting,
// and direct transfers. It maintains sum(balances) == totalSupply per
// asset independently of the encrypted path.
//
// Not thread-safe — only accessed from the single-threaded core.
type PlainLedger struct {
	balances   map[BalanceKey]int64
	supply     map[common.Address]int64
	allowances map[allowanceKey]int64
}

func NewPlainLedger() *PlainLedger {
	return &PlainLedger{
		balances:   make(map[BalanceKey]int64),
		supply:     make(map[common.Address]int64),
		allowances: make(map[allowanceKey]int64),
	}
}

func (pl *PlainLedger) BalanceOf(asset, account common.Address) int64 {
	return pl.balances[BalanceKey{Token: asset, Account: account}]
}

func (pl *PlainLedger) TotalSupply(asset common.Address) int64 {
	return pl.supply[asset]
}

func (pl *PlainLedger) Allowance(asset, owner, spender common.Address) int64 {
	return pl.allowances[allowanceKey{Asset: asset, Owner: owner, Spender: spender}]
}

// Mint creates new supply for the account.
func (pl *PlainLedger) Mint(asset, to common.Address, amount int64) error {
	if to == (common.Address{}) {
		return fmt.Errorf("plain mint %s: %w", asset.Hex(), ErrInvalidReceiver)
	}
	if amount <= 0 {
		return fmt.Errorf("plain mint amount must be positive, got %d", amount)
	}
	pl.balances[BalanceKey{Token: asset, Account: to}] += amount
	pl.supply[asset] += amount
	return nil
}

// Burn destroys supply held by the account.
func (pl *PlainLedger) Burn(asset, from common.Address, amount int64) error {
	if from == (common.Address{}) {
		return fmt.Errorf("plain burn %s: %w", asset.Hex(), ErrInvalidSender)
	}
	if amount <= 0 {
		return fmt.Errorf("plain burn amount must be positive, got %d", amount)
	}
	key := BalanceKey{Token: asset, Account: from}
	if pl.balances[key] < amount {
		return fmt.Errorf("plain burn %s: %w: have=%d need=%d",
			key.Path(), ErrInsufficientBalance, pl.balances[key], amount)
	}
	pl.balances[key] -= amount
	pl.supply[asset] -= amount
	return nil
}

// Transfer moves balance between accounts without changing supply.
func (pl *PlainLedger) Transfer(asset, from, to common.Address, amount int64) error {
	if from == (common.Address{}) {
		return fmt.Errorf("plain transfer %s: %w", asset.Hex(), ErrInvalidSender)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("plain transfer %s: %w", asset.Hex(), ErrInvalidReceiver)
	}
	if amount <= 0 {
		return fmt.Errorf("plain transfer amount must be positive, got %d", amount)
	}
	fromKey := BalanceKey{Token: asset, Account: from}
	if pl.balances[fromKey] < amount {
		return fmt.Errorf("plain transfer %s: %w: have=%d need=%d",
			fromKey.Path(), ErrInsufficientBalance, pl.balances[fromKey], amount)
	}
	pl.balances[fromKey] -= amount
	pl.balances[BalanceKey{Token: asset, Account: to}] += amount
	return nil
}

// Approve sets the spender's allowance over the owner's balance.
func (pl *PlainLedger) Approve(asset, owner, spender common.Address, amount int64) error {
	if owner == (common.Address{}) {
		return fmt.Errorf("plain approve %s: %w", asset.Hex(), ErrInvalidSender)
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("plain approve %s: %w", asset.Hex(), ErrInvalidReceiver)
	}
	if amount < 0 {
		return fmt.Errorf("plain approve amount must be non-negative, got %d", amount)
	}
	pl.allowances[allowanceKey{Asset: asset, Owner: owner, Spender: spender}] = amount
	return nil
}

// TransferFrom moves balance on behalf of the owner, consuming allowance.
func (pl *PlainLedger) TransferFrom(asset, spender, from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("plain transferFrom amount must be positive, got %d", amount)
	}
	aKey := allowanceKey{Asset: asset, Owner: from, Spender: spender}
	if pl.allowances[aKey] < amount {
		return fmt.Errorf("plain transferFrom %s by %s: %w: have=%d need=%d",
			asset.Hex(), spender.Hex(), ErrInsufficientAllowance, pl.allowances[aKey], amount)
	}
	if err := pl.Transfer(asset, from, to, amount); err != nil {
		return err
	}
	pl.allowances[aKey] -= amount
	return nil
}

// Snapshot returns copies of balances and supplies. Allowances are
// transient grants and are not snapshotted; holders re-approve after a
// restore.
func (pl *PlainLedger) Snapshot() (map[BalanceKey]int64, map[common.Address]int64) {
	balances := make(map[BalanceKey]int64, len(pl.balances))
	for k, v := range pl.balances {
		balances[k] = v
	}
	supply := make(map[common.Address]int64, len(pl.supply))
	for k, v := range pl.supply {
		supply[k] = v
	}
	return balances, supply
}

// Restore replaces balances and supplies from a snapshot.
func (pl *PlainLedger) Restore(balances map[BalanceKey]int64, supply map[common.Address]int64) {
	pl.balances = make(map[BalanceKey]int64, len(balances))
	for k, v := range balances {
		pl.balances[k] = v
	}
	pl.supply = make(map[common.Address]int64, len(supply))
	for k, v := range supply {
		pl.supply[k] = v
	}
	pl.allowances = make(map[allowanceKey]int64)
}

package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"CipherPool/internal/pool"
)

// BalanceKey addresses one balance cell: an account's holding of one token
// (encrypted ledger) or one underlying asset (plain ledger).
type BalanceKey struct {
	Token   common.Address
	Account common.Address
}

// Path returns the string form used in digests, storage, and logs.
func (k BalanceKey) Path() string {
	return fmt.Sprintf("%s:%s", k.Token.Hex(), k.Account.Hex())
}

// Plaintext journal account paths. These name the double-entry endpoints of
// every plaintext move; encrypted moves are never journaled in plaintext.

func ReserveAccount(id pool.PoolID, asset common.Address) string {
	return fmt.Sprintf("reserve:%s:%s", id.Hex(), asset.Hex())
}

func CustodyAccount(id pool.PoolID, asset common.Address) string {
	return fmt.Sprintf("custody:%s:%s", id.Hex(), asset.Hex())
}

func UserAccount(addr common.Address, asset common.Address) string {
	return fmt.Sprintf("user:%s:%s", addr.Hex(), asset.Hex())
}

func ExternalAccount(name string, asset common.Address) string {
	return fmt.Sprintf("external:%s:%s", name, asset.Hex())
}

func AmmAccount(id pool.PoolID, asset common.Address) string {
	return fmt.Sprintf("amm:%s:%s", id.Hex(), asset.Hex())
}

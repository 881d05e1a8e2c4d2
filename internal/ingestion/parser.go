package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/crypt"
	"CipherPool/internal/op"
	"CipherPool/internal/pool"
)

// ParseRawOp converts a RawOp (JSON bytes + op type string) into a typed
// op.Op. The ingestion shell validates, parses, and converts raw messages
// before sending to the deterministic core.
func ParseRawOp(raw RawOp, opType string) (op.Op, error) {
	switch opType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "IntentSubmit":
		return parseIntentSubmit(raw.Data)
	case "BatchFinalize":
		return parseBatchFinalize(raw.Data)
	case "BatchSettle":
		return parseBatchSettle(raw.Data)
	case "PlainTransfer":
		return parsePlainTransfer(raw.Data)
	default:
		return nil, fmt.Errorf("unknown op type: %s", opType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers. Addresses are
// 0x-prefixed hex; handles and proofs are base64 ([]byte JSON encoding).

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: not a hex address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

type depositJSON struct {
	DepositID string `json:"deposit_id"`
	Account   string `json:"account"`
	Currency0 string `json:"currency0"`
	Currency1 string `json:"currency1"`
	FeeBps    uint16 `json:"fee_bps"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	Sequence  int64  `json:"sequence"`
	Height    int64  `json:"height"`
}

func parseDeposit(data []byte) (*op.Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	account, err := parseAddress("account", j.Account)
	if err != nil {
		return nil, err
	}
	currency0, err := parseAddress("currency0", j.Currency0)
	if err != nil {
		return nil, err
	}
	currency1, err := parseAddress("currency1", j.Currency1)
	if err != nil {
		return nil, err
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}

	return &op.Deposit{
		DepositID: depositID,
		Account:   account,
		Pool:      pool.NewPoolKey(currency0, currency1, j.FeeBps),
		Asset:     asset,
		Amount:    j.Amount,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type intentJSON struct {
	IntentID string                `json:"intent_id"`
	Owner    string                `json:"owner"`
	PoolID   string                `json:"pool_id"`
	TokenIn  string                `json:"token_in"`
	TokenOut string                `json:"token_out"`
	Amount   crypt.EncryptedAmount `json:"amount"`
	Deadline int64                 `json:"deadline"`
	Sequence int64                 `json:"sequence"`
	Height   int64                 `json:"height"`
}

func parseIntentSubmit(data []byte) (*op.IntentSubmit, error) {
	var j intentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IntentSubmit: %w", err)
	}

	intentID, err := uuid.Parse(j.IntentID)
	if err != nil {
		return nil, fmt.Errorf("parse intent_id: %w", err)
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	poolID, err := pool.ParsePoolID(j.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	tokenIn, err := parseAddress("token_in", j.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := parseAddress("token_out", j.TokenOut)
	if err != nil {
		return nil, err
	}
	if len(j.Amount.Handle) == 0 {
		return nil, fmt.Errorf("parse amount: empty handle")
	}

	return &op.IntentSubmit{
		IntentID: intentID,
		Owner:    owner,
		Pool:     poolID,
		TokenIn:  tokenIn,
		TokenOut: tokenOut,
		Amount:   j.Amount,
		Deadline: j.Deadline,
		Height:   j.Height,
		Sequence: j.Sequence,
	}, nil
}

type finalizeJSON struct {
	RequestID string `json:"request_id"`
	PoolID    string `json:"pool_id"`
	Caller    string `json:"caller"`
	Sequence  int64  `json:"sequence"`
	Height    int64  `json:"height"`
}

func parseBatchFinalize(data []byte) (*op.BatchFinalize, error) {
	var j finalizeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BatchFinalize: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	poolID, err := pool.ParsePoolID(j.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return nil, err
	}

	return &op.BatchFinalize{
		RequestID: requestID,
		Pool:      poolID,
		Caller:    caller,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type internalTransferJSON struct {
	From   string                `json:"from"`
	To     string                `json:"to"`
	Token  string                `json:"token"`
	Amount crypt.EncryptedAmount `json:"amount"`
}

type userSettlementJSON struct {
	User     string `json:"user"`
	Token    string `json:"token"`
	Amount   int64  `json:"amount"`
	IsCredit bool   `json:"is_credit"`
}

type settleJSON struct {
	SettlementID string                 `json:"settlement_id"`
	BatchID      string                 `json:"batch_id"`
	Authority    string                 `json:"authority"`
	PoolID       string                 `json:"pool_id"`
	Transfers    []internalTransferJSON `json:"transfers"`
	NetAmountIn  int64                  `json:"net_amount_in"`
	TokenIn      string                 `json:"token_in"`
	TokenOut     string                 `json:"token_out"`
	Settlements  []userSettlementJSON   `json:"settlements"`
	Sequence     int64                  `json:"sequence"`
	Height       int64                  `json:"height"`
}

func parseBatchSettle(data []byte) (*op.BatchSettle, error) {
	var j settleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BatchSettle: %w", err)
	}

	settlementID, err := uuid.Parse(j.SettlementID)
	if err != nil {
		return nil, fmt.Errorf("parse settlement_id: %w", err)
	}
	batchID, err := uuid.Parse(j.BatchID)
	if err != nil {
		return nil, fmt.Errorf("parse batch_id: %w", err)
	}
	authority, err := parseAddress("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	poolID, err := pool.ParsePoolID(j.PoolID)
	if err != nil {
		return nil, fmt.Errorf("parse pool_id: %w", err)
	}
	tokenIn, err := parseAddress("token_in", j.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := parseAddress("token_out", j.TokenOut)
	if err != nil {
		return nil, err
	}

	transfers := make([]op.InternalTransfer, 0, len(j.Transfers))
	for idx, t := range j.Transfers {
		from, err := parseAddress(fmt.Sprintf("transfers[%d].from", idx), t.From)
		if err != nil {
			return nil, err
		}
		to, err := parseAddress(fmt.Sprintf("transfers[%d].to", idx), t.To)
		if err != nil {
			return nil, err
		}
		token, err := parseAddress(fmt.Sprintf("transfers[%d].token", idx), t.Token)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, op.InternalTransfer{
			From:   from,
			To:     to,
			Token:  token,
			Amount: t.Amount,
		})
	}

	settlements := make([]op.UserSettlement, 0, len(j.Settlements))
	for idx, s := range j.Settlements {
		user, err := parseAddress(fmt.Sprintf("settlements[%d].user", idx), s.User)
		if err != nil {
			return nil, err
		}
		token, err := parseAddress(fmt.Sprintf("settlements[%d].token", idx), s.Token)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, op.UserSettlement{
			User:     user,
			Token:    token,
			Amount:   s.Amount,
			IsCredit: s.IsCredit,
		})
	}

	return &op.BatchSettle{
		SettlementID: settlementID,
		BatchID:      batchID,
		Authority:    authority,
		Pool:         poolID,
		Transfers:    transfers,
		NetAmountIn:  j.NetAmountIn,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		Settlements:  settlements,
		Height:       j.Height,
		Sequence:     j.Sequence,
	}, nil
}

type plainTransferJSON struct {
	TransferID string `json:"transfer_id"`
	Asset      string `json:"asset"`
	From       string `json:"from"`
	To         string `json:"to"`
	Spender    string `json:"spender,omitempty"`
	Amount     int64  `json:"amount"`
	Sequence   int64  `json:"sequence"`
	Height     int64  `json:"height"`
}

func parsePlainTransfer(data []byte) (*op.PlainTransfer, error) {
	var j plainTransferJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlainTransfer: %w", err)
	}

	transferID, err := uuid.Parse(j.TransferID)
	if err != nil {
		return nil, fmt.Errorf("parse transfer_id: %w", err)
	}
	asset, err := parseAddress("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	from, err := parseAddress("from", j.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress("to", j.To)
	if err != nil {
		return nil, err
	}

	var spender *common.Address
	if j.Spender != "" {
		addr, err := parseAddress("spender", j.Spender)
		if err != nil {
			return nil, err
		}
		spender = &addr
	}

	return &op.PlainTransfer{
		TransferID: transferID,
		Asset:      asset,
		From:       from,
		To:         to,
		Spender:    spender,
		Amount:     j.Amount,
		Height:     j.Height,
		Sequence:   j.Sequence,
	}, nil
}

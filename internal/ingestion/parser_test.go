package ingestion

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"CipherPool/internal/crypt"
	"CipherPool/internal/op"
	"CipherPool/internal/pool"
)

func rawFromJSON(t *testing.T, v interface{}) RawOp {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return RawOp{Data: data}
}

var (
	testPoolID = pool.NewPoolKey(
		common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"),
		30,
	).ID()
	testOwner = "0x1000000000000000000000000000000000000001"
)

func TestParseDeposit(t *testing.T) {
	depositID := uuid.New()
	raw := rawFromJSON(t, map[string]interface{}{
		"deposit_id": depositID.String(),
		"account":    testOwner,
		"currency0":  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"currency1":  "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"fee_bps":    30,
		"asset":      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"amount":     12000,
		"sequence":   7,
		"height":     42,
	})

	parsed, err := ParseRawOp(raw, "Deposit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, ok := parsed.(*op.Deposit)
	if !ok {
		t.Fatalf("got %T", parsed)
	}
	if d.DepositID != depositID || d.Amount != 12_000 || d.Height != 42 || d.Sequence != 7 {
		t.Fatalf("fields: %+v", d)
	}
	if d.Pool.ID() != testPoolID {
		t.Fatal("pool key did not canonicalize to the expected ID")
	}
	if d.IdempotencyKey() != depositID.String() {
		t.Fatal("idempotency key mismatch")
	}
}

func TestParseIntentSubmit(t *testing.T) {
	intentID := uuid.New()
	codec := crypt.NewAdditiveCodec()
	tokenIn := pool.TokenAddress(testPoolID, common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	enc := codec.Seal(500, crypt.NewContext(tokenIn, common.HexToAddress(testOwner)))

	raw := rawFromJSON(t, map[string]interface{}{
		"intent_id": intentID.String(),
		"owner":     testOwner,
		"pool_id":   testPoolID.Hex(),
		"token_in":  tokenIn.Hex(),
		"token_out": "0xcccccccccccccccccccccccccccccccccccccccc",
		"amount":    enc,
		"deadline":  100,
		"sequence":  3,
		"height":    50,
	})

	parsed, err := ParseRawOp(raw, "IntentSubmit")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	i := parsed.(*op.IntentSubmit)
	if i.IntentID != intentID || i.Pool != testPoolID || i.Deadline != 100 {
		t.Fatalf("fields: %+v", i)
	}
	if string(i.Amount.Handle) != string(enc.Handle) {
		t.Fatal("encrypted handle mangled in transit")
	}
}

func TestParseIntentRejectsEmptyHandle(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"intent_id": uuid.New().String(),
		"owner":     testOwner,
		"pool_id":   testPoolID.Hex(),
		"token_in":  "0xcccccccccccccccccccccccccccccccccccccccc",
		"token_out": "0xdddddddddddddddddddddddddddddddddddddddd",
		"deadline":  100,
	})
	if _, err := ParseRawOp(raw, "IntentSubmit"); err == nil {
		t.Fatal("empty handle accepted")
	}
}

func TestParseBatchFinalize(t *testing.T) {
	requestID := uuid.New()
	raw := rawFromJSON(t, map[string]interface{}{
		"request_id": requestID.String(),
		"pool_id":    testPoolID.Hex(),
		"caller":     testOwner,
		"sequence":   9,
		"height":     60,
	})

	parsed, err := ParseRawOp(raw, "BatchFinalize")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := parsed.(*op.BatchFinalize)
	if f.RequestID != requestID || f.Pool != testPoolID || f.Height != 60 {
		t.Fatalf("fields: %+v", f)
	}
}

func TestParseBatchSettle(t *testing.T) {
	settlementID := uuid.New()
	batchID := uuid.New()
	codec := crypt.NewAdditiveCodec()
	tokenIn := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	authority := common.HexToAddress("0x2000000000000000000000000000000000000099")
	enc := codec.Seal(7_500, crypt.NewContext(tokenIn, authority))

	raw := rawFromJSON(t, map[string]interface{}{
		"settlement_id": settlementID.String(),
		"batch_id":      batchID.String(),
		"authority":     authority.Hex(),
		"pool_id":       testPoolID.Hex(),
		"transfers": []map[string]interface{}{
			{"from": testOwner, "to": "0x1000000000000000000000000000000000000002",
				"token": tokenIn.Hex(), "amount": enc},
		},
		"net_amount_in": 7300,
		"token_in":      tokenIn.Hex(),
		"token_out":     "0xdddddddddddddddddddddddddddddddddddddddd",
		"settlements": []map[string]interface{}{
			{"user": testOwner, "token": "0xdddddddddddddddddddddddddddddddddddddddd",
				"amount": 2720, "is_credit": true},
		},
		"sequence": 11,
		"height":   70,
	})

	parsed, err := ParseRawOp(raw, "BatchSettle")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := parsed.(*op.BatchSettle)
	if s.SettlementID != settlementID || s.BatchID != batchID || s.NetAmountIn != 7_300 {
		t.Fatalf("fields: %+v", s)
	}
	if len(s.Transfers) != 1 || len(s.Settlements) != 1 {
		t.Fatalf("transfers=%d settlements=%d", len(s.Transfers), len(s.Settlements))
	}
	if !s.Settlements[0].IsCredit || s.Settlements[0].Amount != 2_720 {
		t.Fatalf("settlement: %+v", s.Settlements[0])
	}
}

func TestParsePlainTransfer(t *testing.T) {
	transferID := uuid.New()

	// Direct transfer: no spender.
	raw := rawFromJSON(t, map[string]interface{}{
		"transfer_id": transferID.String(),
		"asset":       "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"from":        testOwner,
		"to":          "0x1000000000000000000000000000000000000002",
		"amount":      400,
		"sequence":    0,
		"height":      5,
	})
	parsed, err := ParseRawOp(raw, "PlainTransfer")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tr := parsed.(*op.PlainTransfer)
	if tr.Spender != nil {
		t.Fatal("spender set on direct transfer")
	}

	// transferFrom: spender present.
	raw = rawFromJSON(t, map[string]interface{}{
		"transfer_id": uuid.New().String(),
		"asset":       "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"from":        testOwner,
		"to":          "0x1000000000000000000000000000000000000002",
		"spender":     "0x1000000000000000000000000000000000000003",
		"amount":      400,
	})
	parsed, err = ParseRawOp(raw, "PlainTransfer")
	if err != nil {
		t.Fatalf("parse with spender: %v", err)
	}
	tr = parsed.(*op.PlainTransfer)
	if tr.Spender == nil || tr.Spender.Hex() != "0x1000000000000000000000000000000000000003" {
		t.Fatal("spender lost in parsing")
	}
}

func TestParseUnknownOpTypeFails(t *testing.T) {
	if _, err := ParseRawOp(RawOp{Data: []byte(`{}`)}, "Withdraw"); err == nil {
		t.Fatal("unknown op type accepted")
	}
}

func TestParseInvalidJSONFails(t *testing.T) {
	if _, err := ParseRawOp(RawOp{Data: []byte(`{not json`)}, "Deposit"); err == nil {
		t.Fatal("invalid JSON accepted")
	}
}

func TestParseInvalidAddressFails(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"deposit_id": uuid.New().String(),
		"account":    "not-an-address",
		"currency0":  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"currency1":  "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"asset":      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"amount":     100,
	})
	if _, err := ParseRawOp(raw, "Deposit"); err == nil {
		t.Fatal("invalid address accepted")
	}
}

func TestParseInvalidUUIDFails(t *testing.T) {
	raw := rawFromJSON(t, map[string]interface{}{
		"request_id": "not-a-uuid",
		"pool_id":    testPoolID.Hex(),
		"caller":     testOwner,
	})
	if _, err := ParseRawOp(raw, "BatchFinalize"); err == nil {
		t.Fatal("invalid UUID accepted")
	}
}

package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"CipherPool/internal/amm"
	"CipherPool/internal/batch"
	"CipherPool/internal/crypt"
	"CipherPool/internal/ledger"
	"CipherPool/internal/observability"
	"CipherPool/internal/op"
	"CipherPool/internal/pool"
)

const escrowSeed = "cipherpool:escrow:v1"

// EscrowAddress is the core's own encrypted-balance account. Intent
// collateral is transferred here at submission and drained back out by
// settlement transfers.
func EscrowAddress() common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(escrowSeed))[12:])
}

// Core is the single-threaded operation processor
type Core struct {
	sequence          int64
	hasher            *StateHasher
	homomorph         crypt.Homomorph
	encLedger         *ledger.EncryptedLedger
	plainLedger       *ledger.PlainLedger
	reserves          *pool.ReserveLedger
	registry          *pool.TokenRegistry
	batches           *batch.Manager
	book              *batch.IntentBook
	swapper           amm.Swapper
	validator         *ledger.InvariantValidator
	authority         common.Address
	escrow            common.Address
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is the per-operation emission to the persistence and
// projection workers.
type CoreOutput struct {
	Envelope   *op.Envelope
	Entries    *ledger.EntrySet
	Finalized  *op.FinalizedBatch
	Settled    *op.SettlementSignal
	StateDelta []byte

	// Post-op values of every cell the operation touched, so projection
	// workers can upsert read views without re-deriving state.
	Reserves []ReserveUpdate
	EncCells []EncCellUpdate
	Batches  []BatchUpdate
}

// ReserveUpdate carries one reserve cell's value after the operation.
type ReserveUpdate struct {
	Pool    string
	Asset   string
	Reserve int64
}

// EncCellUpdate carries one encrypted balance cell after the operation.
// Only the opaque handle leaves the core; plaintext never does.
type EncCellUpdate struct {
	Token   string
	Account string
	Handle  []byte
}

// BatchUpdate carries one batch's lifecycle row after the operation.
type BatchUpdate struct {
	BatchID          string
	Pool             string
	State            string
	IntentCount      int
	OpenedAtBlock    int64
	FinalizedAtBlock int64
	SettledAtBlock   int64
}

// Config carries the injected policy and capability boundaries.
type Config struct {
	StartSequence int64
	Authority     common.Address
	Windows       batch.WindowConfig
	Homomorph     crypt.Homomorph
	Swapper       amm.Swapper
	LRUCapacity   int
}

func NewCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	if cfg.LRUCapacity == 0 {
		cfg.LRUCapacity = 1_000_000
	}
	plainLedger := ledger.NewPlainLedger()
	reserves := pool.NewReserveLedger()

	return &Core{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		homomorph:         cfg.Homomorph,
		encLedger:         ledger.NewEncryptedLedger(cfg.Homomorph),
		plainLedger:       plainLedger,
		reserves:          reserves,
		registry:          pool.NewTokenRegistry(),
		batches:           batch.NewManager(cfg.Windows),
		book:              batch.NewIntentBook(),
		swapper:           cfg.Swapper,
		validator:         ledger.NewInvariantValidator(plainLedger, reserves),
		authority:         cfg.Authority,
		escrow:            EscrowAddress(),
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// opResult collects a handler's mutations for digesting and emission.
type opResult struct {
	entries      *ledger.EntrySet
	encCells     []ledger.BalanceKey
	plainCells   []ledger.BalanceKey
	reserveCells []pool.ReserveKey
	batchIDs     []uuid.UUID
	finalized    *op.FinalizedBatch
	settled      *op.SettlementSignal
}

// ProcessOp is the main processing pipeline
func (c *Core) ProcessOp(o op.Op) error {
	start := time.Now()
	opType := o.OpType().String()
	idempotencyKey := o.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(opType, idempotencyKey)

	// Step 2: Sequence validation
	partition := c.getPartition(o)
	sourceSequence := o.SourceSequence()

	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "duplicate").Inc()
		}
		return nil
	}

	// Block heights are versioned inputs and may repeat within a block,
	// but a regression means the upstream feed is broken.
	if err := c.sequenceValidator.ValidateHeight(partition, o.BlockHeight()); err != nil {
		return fmt.Errorf("height validation failed: %w", err)
	}

	// Step 3: Dispatch
	res, err := c.dispatchOp(o)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(opType, "validation").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Validate entry set
	// Handlers mutate state directly; the entry set is the plaintext audit
	// trail and must be well-formed before it reaches the log.
	if res.entries != nil {
		if err := c.validator.ValidateEntrySet(res.entries); err != nil {
			panic(fmt.Sprintf("FATAL: malformed entry set: %v", err))
		}
	}

	// Step 5: Compute state digest and hash
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(res)
	prevHash := c.hasher.GetPrevHash() // chain tip before this op
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 6: Create envelope
	payload, err := json.Marshal(o)
	if err != nil {
		panic(fmt.Sprintf("FATAL: op payload not serializable: %v", err))
	}

	envelope := &op.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		OpType:         o.OpType(),
		PoolID:         o.PoolID(),
		Height:         o.BlockHeight(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Entries:    res.entries,
		Finalized:  res.finalized,
		Settled:    res.settled,
		StateDelta: stateDigest,
	}
	c.attachViewUpdates(&output, res)
	c.sequence++

	// Step 7: Post-checks
	if err := c.postCheckInvariants(o); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 8: Emit outputs.
	// Persistence: blocking send — the core stalls until the persistence
	// worker drains. This guarantees no operation is lost.
	c.persistChan <- output

	// Projections: non-blocking send — drop on full. Projection workers
	// can rebuild from the operation log if they fall behind.
	select {
	case c.projectionChan <- output:
	default:
		// Silently dropped — projection will catch up via rebuild
	}

	// Step 9: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(opType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(opType).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.BatchesUnsettled.Set(float64(c.batches.Unsettled()))
		if res.entries != nil {
			for _, e := range res.entries.Entries {
				c.metrics.CoreEntries.WithLabelValues(e.Kind.String()).Inc()
			}
		}
	}

	return nil
}

// getPartition determines partition key for sequence validation
func (c *Core) getPartition(o op.Op) string {
	if poolID := o.PoolID(); poolID != nil {
		return fmt.Sprintf("pool:%s", *poolID)
	}
	return "global"
}

func (c *Core) dispatchOp(o op.Op) (*opResult, error) {
	switch v := o.(type) {
	case *op.Deposit:
		return c.handleDeposit(v)
	case *op.IntentSubmit:
		return c.handleIntentSubmit(v)
	case *op.BatchFinalize:
		return c.handleBatchFinalize(v)
	case *op.BatchSettle:
		return c.handleBatchSettle(v)
	case *op.PlainTransfer:
		return c.handlePlainTransfer(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOpType, o)
	}
}

// handleDeposit mints the encrypted token for (pool, asset) 1:1 against the
// deposited amount, credits the reserve, and journals the custody inflow.
func (c *Core) handleDeposit(d *op.Deposit) (*opResult, error) {
	if d.Amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", d.Amount)
	}
	if !d.Pool.Canonical().Contains(d.Asset) {
		return nil, fmt.Errorf("asset %s is not part of the pool pair", d.Asset.Hex())
	}

	// First deposit creates the pool; later deposits are no-ops here.
	poolID := c.registry.RegisterPool(d.Pool)
	custody := pool.CustodyAddress(poolID)
	token := c.registry.EnsureToken(poolID, d.Asset)

	// Underlying enters custody (plain supply grows).
	if err := c.plainLedger.Mint(d.Asset, custody, d.Amount); err != nil {
		return nil, err
	}

	// Encrypted claim minted 1:1 to the depositor.
	ctx := crypt.NewContext(token, d.Account)
	enc := c.homomorph.Seal(d.Amount, ctx)
	if err := c.encLedger.Mint(token, d.Account, enc); err != nil {
		// Plain mint already applied; a Seal the homomorph itself produced
		// must be addable, so this cannot fail on valid input.
		panic(fmt.Sprintf("FATAL: deposit mint failed after custody credit: %v", err))
	}

	// Reserve backs AMM liquidity for this asset.
	if err := c.reserves.Credit(poolID, d.Asset, d.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: reserve credit failed: %v", err))
	}

	entries := &ledger.EntrySet{
		SetID:    uuid.New(),
		OpRef:    d.IdempotencyKey(),
		Sequence: c.sequence,
		Height:   d.Height,
		Entries: []ledger.Entry{{
			EntryID:       uuid.New(),
			OpRef:         d.IdempotencyKey(),
			Sequence:      c.sequence,
			DebitAccount:  ledger.CustodyAccount(poolID, d.Asset),
			CreditAccount: ledger.ExternalAccount("deposits", d.Asset),
			Asset:         d.Asset,
			Amount:        d.Amount,
			Kind:          ledger.EntryKindDeposit,
			Height:        d.Height,
		}},
	}

	if c.metrics != nil {
		c.metrics.DepositsApplied.WithLabelValues(poolID.Hex()).Inc()
	}

	return &opResult{
		entries:      entries,
		encCells:     []ledger.BalanceKey{{Token: token, Account: d.Account}},
		plainCells:   []ledger.BalanceKey{{Token: d.Asset, Account: custody}},
		reserveCells: []pool.ReserveKey{{Pool: poolID, Asset: d.Asset}},
	}, nil
}

// handleIntentSubmit escrows the encrypted input amount and appends the
// intent to the pool's open batch.
func (c *Core) handleIntentSubmit(i *op.IntentSubmit) (*opResult, error) {
	key, ok := c.registry.PoolKeyOf(i.Pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownPool, i.Pool.Hex())
	}

	pairIn, ok := c.registry.PairOf(i.TokenIn)
	if !ok || pairIn.Pool != i.Pool {
		return nil, fmt.Errorf("%w: token_in %s", pool.ErrUnknownToken, i.TokenIn.Hex())
	}
	pairOut, ok := c.registry.PairOf(i.TokenOut)
	if !ok || pairOut.Pool != i.Pool {
		return nil, fmt.Errorf("%w: token_out %s", pool.ErrUnknownToken, i.TokenOut.Hex())
	}
	counterpart, _ := key.Counterpart(pairIn.Asset)
	if pairOut.Asset != counterpart {
		return nil, fmt.Errorf("%w: %s -> %s", batch.ErrInvalidCurrencyPair,
			pairIn.Asset.Hex(), pairOut.Asset.Hex())
	}

	if err := batch.ValidateDeadline(i.Deadline, i.Height); err != nil {
		if c.metrics != nil {
			c.metrics.IntentsExpired.WithLabelValues(i.Pool.Hex()).Inc()
		}
		return nil, err
	}

	ctx := crypt.NewContext(i.TokenIn, i.Owner)
	if err := c.homomorph.Verify(i.Amount, ctx); err != nil {
		return nil, fmt.Errorf("intent %s: %w", i.IntentID, err)
	}

	// Escrow the encrypted input. The core never learns the amount; the
	// settlement authority accounts for it when draining the escrow.
	if err := c.encLedger.Transfer(i.TokenIn, i.Owner, c.escrow, i.Amount); err != nil {
		return nil, fmt.Errorf("escrow transfer for intent %s: %w", i.IntentID, err)
	}

	it := &batch.Intent{
		ID:       i.IntentID,
		Owner:    i.Owner,
		Pool:     i.Pool,
		TokenIn:  i.TokenIn,
		TokenOut: i.TokenOut,
		Amount:   i.Amount,
		Deadline: i.Deadline,
	}

	appended, rolled := c.batches.Append(it, i.Height, c.sequence)
	c.book.Add(it)

	res := &opResult{
		encCells: []ledger.BalanceKey{
			{Token: i.TokenIn, Account: i.Owner},
			{Token: i.TokenIn, Account: c.escrow},
		},
		batchIDs: []uuid.UUID{appended.ID},
	}

	if c.metrics != nil {
		c.metrics.IntentsAccepted.WithLabelValues(i.Pool.Hex()).Inc()
		if len(appended.IntentIDs) == 1 {
			c.metrics.BatchesOpened.WithLabelValues(i.Pool.Hex()).Inc()
		}
	}

	// An over-age batch was force-finalized to make room: emit its snapshot
	// exactly as an explicit finalize would.
	if rolled != nil {
		res.batchIDs = append(res.batchIDs, rolled.ID)
		res.finalized = c.buildFinalizedBatch(rolled)
		if c.metrics != nil {
			c.metrics.BatchesRolled.WithLabelValues(i.Pool.Hex()).Inc()
			c.metrics.BatchesFinalized.WithLabelValues(i.Pool.Hex()).Inc()
			c.metrics.BatchIntentCount.WithLabelValues(i.Pool.Hex()).Observe(float64(len(rolled.IntentIDs)))
		}
	}

	return res, nil
}

// handleBatchFinalize closes the pool's open batch and publishes its
// contents for the off-chain matcher.
func (c *Core) handleBatchFinalize(f *op.BatchFinalize) (*opResult, error) {
	b, err := c.batches.Finalize(f.Pool, f.Height)
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.BatchesFinalized.WithLabelValues(f.Pool.Hex()).Inc()
		c.metrics.BatchIntentCount.WithLabelValues(f.Pool.Hex()).Observe(float64(len(b.IntentIDs)))
	}

	return &opResult{
		batchIDs:  []uuid.UUID{b.ID},
		finalized: c.buildFinalizedBatch(b),
	}, nil
}

func (c *Core) buildFinalizedBatch(b *batch.Batch) *op.FinalizedBatch {
	intents := c.book.ForBatch(b.ID)
	records := make([]op.IntentRecord, 0, len(intents))
	for _, it := range intents {
		records = append(records, op.IntentRecord{
			IntentID: it.ID,
			Owner:    it.Owner,
			TokenIn:  it.TokenIn,
			TokenOut: it.TokenOut,
			Amount:   it.Amount,
			Deadline: it.Deadline,
		})
	}
	return &op.FinalizedBatch{
		BatchID:          b.ID,
		Pool:             b.Pool.Hex(),
		OpenedAtBlock:    b.OpenedAtBlock,
		FinalizedAtBlock: b.FinalizedAtBlock,
		Intents:          records,
	}
}

// handleBatchSettle applies the matcher's output for a finalized batch.
// The payload is untrusted: everything is validated against on-chain batch
// membership and pool state before the first mutation, so a rejected
// settlement leaves no partial writes.
func (c *Core) handleBatchSettle(s *op.BatchSettle) (*opResult, error) {
	rejectReason := func(reason string) {
		if c.metrics != nil {
			c.metrics.SettlementsRejected.WithLabelValues(s.Pool.Hex(), reason).Inc()
		}
	}

	// --- Validation phase (no mutations) ---

	if s.Authority != c.authority {
		rejectReason("authority")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorizedAuthority, s.Authority.Hex())
	}

	b, ok := c.batches.Get(s.BatchID)
	if !ok {
		rejectReason("unknown_batch")
		return nil, fmt.Errorf("%w: %s", batch.ErrUnknownBatch, s.BatchID)
	}
	if b.Pool != s.Pool {
		rejectReason("pool_mismatch")
		return nil, fmt.Errorf("batch %s belongs to pool %s, not %s",
			s.BatchID, b.Pool.Hex(), s.Pool.Hex())
	}
	if b.State != batch.BatchStateFinalized {
		// Settled batches land here too — the state gate is the
		// at-most-once settlement guarantee.
		rejectReason("state")
		return nil, fmt.Errorf("%w: batch %s is %s", batch.ErrBatchNotFinalized, s.BatchID, b.State)
	}

	key, ok := c.registry.PoolKeyOf(s.Pool)
	if !ok {
		rejectReason("unknown_pool")
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownPool, s.Pool.Hex())
	}

	pairIn, ok := c.registry.PairOf(s.TokenIn)
	if !ok || pairIn.Pool != s.Pool {
		rejectReason("unknown_token")
		return nil, fmt.Errorf("%w: token_in %s", pool.ErrUnknownToken, s.TokenIn.Hex())
	}
	pairOut, ok := c.registry.PairOf(s.TokenOut)
	if !ok || pairOut.Pool != s.Pool {
		rejectReason("unknown_token")
		return nil, fmt.Errorf("%w: token_out %s", pool.ErrUnknownToken, s.TokenOut.Hex())
	}
	counterpart, _ := key.Counterpart(pairIn.Asset)
	if pairOut.Asset != counterpart {
		rejectReason("currency_pair")
		return nil, fmt.Errorf("%w: %s -> %s", batch.ErrInvalidCurrencyPair,
			pairIn.Asset.Hex(), pairOut.Asset.Hex())
	}

	if s.NetAmountIn < 0 {
		rejectReason("net_amount")
		return nil, fmt.Errorf("net amount in must be non-negative, got %d", s.NetAmountIn)
	}

	// Membership is revalidated from the intent book, never trusted from
	// the payload. The escrow is the core's own account and is a valid
	// endpoint for draining escrowed collateral back out.
	intents := c.book.ForBatch(s.BatchID)
	members := make(map[common.Address]bool, len(intents))
	for _, it := range intents {
		if it.Consumed {
			rejectReason("consumed")
			return nil, fmt.Errorf("%w: %s", batch.ErrIntentConsumed, it.ID)
		}
		members[it.Owner] = true
	}

	authorityCtxIn := crypt.NewContext(s.TokenIn, s.Authority)
	authorityCtxOut := crypt.NewContext(s.TokenOut, s.Authority)
	for idx, t := range s.Transfers {
		if t.Token != s.TokenIn && t.Token != s.TokenOut {
			rejectReason("unknown_token")
			return nil, fmt.Errorf("transfer %d: %w: %s", idx, pool.ErrUnknownToken, t.Token.Hex())
		}
		if !members[t.From] && t.From != c.escrow {
			rejectReason("participant")
			return nil, fmt.Errorf("transfer %d from %s: %w", idx, t.From.Hex(), ErrUnauthorizedParticipant)
		}
		if !members[t.To] && t.To != c.escrow {
			rejectReason("participant")
			return nil, fmt.Errorf("transfer %d to %s: %w", idx, t.To.Hex(), ErrUnauthorizedParticipant)
		}
		ctx := authorityCtxIn
		if t.Token == s.TokenOut {
			ctx = authorityCtxOut
		}
		if err := c.homomorph.Verify(t.Amount, ctx); err != nil {
			rejectReason("proof")
			return nil, fmt.Errorf("transfer %d: %w", idx, err)
		}
	}

	// AMM-derived deltas are public by construction and only ever concern
	// the output token; input-side redistribution stays encrypted in
	// Transfers.
	var settlementNet int64
	for idx, us := range s.Settlements {
		if us.Token != s.TokenOut {
			rejectReason("settlement_token")
			return nil, fmt.Errorf("settlement %d: %w: %s", idx, pool.ErrUnknownToken, us.Token.Hex())
		}
		if !members[us.User] {
			rejectReason("participant")
			return nil, fmt.Errorf("settlement %d for %s: %w", idx, us.User.Hex(), ErrUnauthorizedParticipant)
		}
		if us.Amount <= 0 {
			rejectReason("settlement_amount")
			return nil, fmt.Errorf("settlement %d amount must be positive, got %d", idx, us.Amount)
		}
		if us.IsCredit {
			settlementNet += us.Amount
		} else {
			settlementNet -= us.Amount
		}
	}

	// Pure computation: the AMM output for the net swap.
	var amountOut int64
	custody := pool.CustodyAddress(s.Pool)
	if s.NetAmountIn > 0 {
		reserveIn := c.reserves.Get(s.Pool, pairIn.Asset)
		reserveOut := c.reserves.Get(s.Pool, pairOut.Asset)
		out, err := c.swapper.SwapOut(reserveIn, reserveOut, s.NetAmountIn, key.FeeBps)
		if err != nil {
			rejectReason("amm")
			return nil, fmt.Errorf("net swap: %w", err)
		}
		amountOut = out

		if !c.reserves.CanDebit(s.Pool, pairIn.Asset, s.NetAmountIn) {
			rejectReason("reserve")
			return nil, fmt.Errorf("%w: pool=%s asset=%s need=%d",
				pool.ErrInsufficientReserve, s.Pool.Hex(), pairIn.Asset.Hex(), s.NetAmountIn)
		}
		if c.plainLedger.BalanceOf(pairIn.Asset, custody) < s.NetAmountIn {
			rejectReason("custody")
			return nil, fmt.Errorf("custody balance for %s below net amount %d",
				pairIn.Asset.Hex(), s.NetAmountIn)
		}
	}

	if settlementNet != amountOut {
		rejectReason("settlement_sum")
		return nil, fmt.Errorf("settlements net to %d but AMM output is %d", settlementNet, amountOut)
	}

	// --- Mutation phase ---
	// Everything below operates on inputs validated above; a failure here
	// is a broken invariant, not a rejectable payload.

	res := &opResult{batchIDs: []uuid.UUID{s.BatchID}}

	for _, t := range s.Transfers {
		if err := c.encLedger.Transfer(t.Token, t.From, t.To, t.Amount); err != nil {
			panic(fmt.Sprintf("FATAL: settlement transfer failed post-validation: %v", err))
		}
		res.encCells = append(res.encCells,
			ledger.BalanceKey{Token: t.Token, Account: t.From},
			ledger.BalanceKey{Token: t.Token, Account: t.To},
		)
	}

	if s.NetAmountIn > 0 {
		// The backing reserves follow the swap: the netted input leaves the
		// tokenIn side toward the external pool, the realized output arrives
		// on the tokenOut side. Custody below mirrors the same movement.
		if err := c.reserves.Debit(s.Pool, pairIn.Asset, s.NetAmountIn); err != nil {
			panic(fmt.Sprintf("FATAL: reserve debit failed post-validation: %v", err))
		}
		if err := c.reserves.Credit(s.Pool, pairOut.Asset, amountOut); err != nil {
			panic(fmt.Sprintf("FATAL: reserve credit failed: %v", err))
		}

		// Custody mirrors encrypted supply per asset: burned input claims
		// release custody, minted output claims acquire it.
		if err := c.plainLedger.Burn(pairIn.Asset, custody, s.NetAmountIn); err != nil {
			panic(fmt.Sprintf("FATAL: custody burn failed post-validation: %v", err))
		}
		if err := c.plainLedger.Mint(pairOut.Asset, custody, amountOut); err != nil {
			panic(fmt.Sprintf("FATAL: custody mint failed: %v", err))
		}

		// The netted input leaves the encrypted domain from the escrow.
		netEnc := c.homomorph.Seal(s.NetAmountIn, authorityCtxIn)
		if err := c.encLedger.Burn(s.TokenIn, c.escrow, netEnc); err != nil {
			panic(fmt.Sprintf("FATAL: escrow burn failed: %v", err))
		}

		res.plainCells = append(res.plainCells,
			ledger.BalanceKey{Token: pairIn.Asset, Account: custody},
			ledger.BalanceKey{Token: pairOut.Asset, Account: custody},
		)
		res.reserveCells = append(res.reserveCells,
			pool.ReserveKey{Pool: s.Pool, Asset: pairIn.Asset},
			pool.ReserveKey{Pool: s.Pool, Asset: pairOut.Asset},
		)
		res.encCells = append(res.encCells,
			ledger.BalanceKey{Token: s.TokenIn, Account: c.escrow},
		)

		res.entries = &ledger.EntrySet{
			SetID:    uuid.New(),
			OpRef:    s.IdempotencyKey(),
			Sequence: c.sequence,
			Height:   s.Height,
			Entries: []ledger.Entry{
				{
					EntryID:       uuid.New(),
					OpRef:         s.IdempotencyKey(),
					Sequence:      c.sequence,
					DebitAccount:  ledger.AmmAccount(s.Pool, pairIn.Asset),
					CreditAccount: ledger.CustodyAccount(s.Pool, pairIn.Asset),
					Asset:         pairIn.Asset,
					Amount:        s.NetAmountIn,
					Kind:          ledger.EntryKindNetSwapIn,
					Height:        s.Height,
				},
				{
					EntryID:       uuid.New(),
					OpRef:         s.IdempotencyKey(),
					Sequence:      c.sequence,
					DebitAccount:  ledger.CustodyAccount(s.Pool, pairOut.Asset),
					CreditAccount: ledger.AmmAccount(s.Pool, pairOut.Asset),
					Asset:         pairOut.Asset,
					Amount:        amountOut,
					Kind:          ledger.EntryKindNetSwapOut,
					Height:        s.Height,
				},
			},
		}
	}

	// AMM output distributed as encrypted credits of the output token.
	for _, us := range s.Settlements {
		enc := c.homomorph.Seal(us.Amount, authorityCtxOut)
		var err error
		if us.IsCredit {
			err = c.encLedger.Mint(us.Token, us.User, enc)
		} else {
			err = c.encLedger.Burn(us.Token, us.User, enc)
		}
		if err != nil {
			panic(fmt.Sprintf("FATAL: settlement delta failed post-validation: %v", err))
		}
		res.encCells = append(res.encCells, ledger.BalanceKey{Token: us.Token, Account: us.User})
	}

	for _, it := range intents {
		if err := c.book.MarkConsumed(it.ID); err != nil {
			panic(fmt.Sprintf("FATAL: intent consume failed post-validation: %v", err))
		}
	}

	if _, err := c.batches.MarkSettled(s.BatchID, s.Height); err != nil {
		panic(fmt.Sprintf("FATAL: settle transition failed post-validation: %v", err))
	}

	res.settled = &op.SettlementSignal{
		SettlementID: s.SettlementID,
		BatchID:      s.BatchID,
		Pool:         s.Pool.Hex(),
		NetAmountIn:  s.NetAmountIn,
		AmountOut:    amountOut,
		TokenIn:      s.TokenIn,
		TokenOut:     s.TokenOut,
		Transfers:    len(s.Transfers),
		Settlements:  len(s.Settlements),
		Height:       s.Height,
	}

	if c.metrics != nil {
		poolHex := s.Pool.Hex()
		c.metrics.SettlementsApplied.WithLabelValues(poolHex).Inc()
		c.metrics.SettlementTransfers.WithLabelValues(poolHex).Add(float64(len(s.Transfers)))
		c.metrics.BatchesSettled.WithLabelValues(poolHex).Inc()
		c.metrics.NetSwapAmountIn.WithLabelValues(poolHex, s.TokenIn.Hex()).Add(float64(s.NetAmountIn))
		c.metrics.NetSwapAmountOut.WithLabelValues(poolHex, s.TokenOut.Hex()).Add(float64(amountOut))
	}

	return res, nil
}

// handlePlainTransfer is the ERC20-style fallback path for un-escrowed
// assets: a direct transfer, or an allowance-consuming transferFrom when
// Spender is set.
func (c *Core) handlePlainTransfer(t *op.PlainTransfer) (*opResult, error) {
	var err error
	if t.Spender != nil {
		err = c.plainLedger.TransferFrom(t.Asset, *t.Spender, t.From, t.To, t.Amount)
	} else {
		err = c.plainLedger.Transfer(t.Asset, t.From, t.To, t.Amount)
	}
	if err != nil {
		return nil, err
	}

	entries := &ledger.EntrySet{
		SetID:    uuid.New(),
		OpRef:    t.IdempotencyKey(),
		Sequence: c.sequence,
		Height:   t.Height,
		Entries: []ledger.Entry{{
			EntryID:       uuid.New(),
			OpRef:         t.IdempotencyKey(),
			Sequence:      c.sequence,
			DebitAccount:  ledger.UserAccount(t.To, t.Asset),
			CreditAccount: ledger.UserAccount(t.From, t.Asset),
			Asset:         t.Asset,
			Amount:        t.Amount,
			Kind:          ledger.EntryKindPlainTransfer,
			Height:        t.Height,
		}},
	}

	return &opResult{
		entries: entries,
		plainCells: []ledger.BalanceKey{
			{Token: t.Asset, Account: t.From},
			{Token: t.Asset, Account: t.To},
		},
	}, nil
}

// computeStateDigest creates canonical bytes for the state hash: every cell
// the operation touched, sorted by path, with its post-operation value.
func (c *Core) computeStateDigest(res *opResult) []byte {
	type segment struct {
		path  string
		value []byte
	}
	segments := make([]segment, 0,
		len(res.plainCells)+len(res.encCells)+len(res.reserveCells)+len(res.batchIDs))
	seen := make(map[string]bool)

	for _, cell := range res.plainCells {
		path := "plain:" + cell.Path()
		if seen[path] {
			continue
		}
		seen[path] = true
		segments = append(segments, segment{
			path:  path,
			value: appendInt64LE(nil, c.plainLedger.BalanceOf(cell.Token, cell.Account)),
		})
	}

	for _, cell := range res.encCells {
		path := "enc:" + cell.Path()
		if seen[path] {
			continue
		}
		seen[path] = true
		handle := c.encLedger.Balance(cell.Token, cell.Account)
		value := append([]byte{byte(len(handle))}, handle...)
		segments = append(segments, segment{path: path, value: value})
	}

	for _, cell := range res.reserveCells {
		path := cell.Path()
		if seen[path] {
			continue
		}
		seen[path] = true
		segments = append(segments, segment{
			path:  path,
			value: appendInt64LE(nil, c.reserves.Get(cell.Pool, cell.Asset)),
		})
	}

	for _, batchID := range res.batchIDs {
		path := "batch:" + batchID.String()
		if seen[path] {
			continue
		}
		seen[path] = true
		b, ok := c.batches.Get(batchID)
		if !ok {
			continue
		}
		value := append([]byte{}, batchID[:]...)
		value = append(value, byte(b.State))
		value = appendInt64LE(value, int64(len(b.IntentIDs)))
		segments = append(segments, segment{path: path, value: value})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].path < segments[j].path
	})

	digest := make([]byte, 0, len(segments)*64)
	for _, s := range segments {
		digest = append(digest, byte(len(s.path)))
		digest = append(digest, []byte(s.path)...)
		digest = append(digest, s.value...)
	}
	return digest
}

// attachViewUpdates records the post-op value of every touched cell so
// projection workers can upsert read views without re-deriving state.
func (c *Core) attachViewUpdates(output *CoreOutput, res *opResult) {
	seen := make(map[string]bool)

	for _, cell := range res.reserveCells {
		path := cell.Path()
		if seen[path] {
			continue
		}
		seen[path] = true
		output.Reserves = append(output.Reserves, ReserveUpdate{
			Pool:    cell.Pool.Hex(),
			Asset:   cell.Asset.Hex(),
			Reserve: c.reserves.Get(cell.Pool, cell.Asset),
		})
	}

	for _, cell := range res.encCells {
		path := cell.Path()
		if seen[path] {
			continue
		}
		seen[path] = true
		handle := c.encLedger.Balance(cell.Token, cell.Account)
		output.EncCells = append(output.EncCells, EncCellUpdate{
			Token:   cell.Token.Hex(),
			Account: cell.Account.Hex(),
			Handle:  append([]byte(nil), handle...),
		})
	}

	for _, batchID := range res.batchIDs {
		key := batchID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		b, ok := c.batches.Get(batchID)
		if !ok {
			continue
		}
		output.Batches = append(output.Batches, BatchUpdate{
			BatchID:          b.ID.String(),
			Pool:             b.Pool.Hex(),
			State:            b.State.String(),
			IntentCount:      len(b.IntentIDs),
			OpenedAtBlock:    b.OpenedAtBlock,
			FinalizedAtBlock: b.FinalizedAtBlock,
			SettledAtBlock:   b.SettledAtBlock,
		})
	}
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after an operation is applied
func (c *Core) postCheckInvariants(o op.Op) error {
	switch o.(type) {
	case *op.Deposit, *op.BatchSettle:
		if err := c.validator.ValidateReservesNonNegative(); err != nil {
			return fmt.Errorf("post-check reserves: %w", err)
		}
	}

	// Periodic global conservation check: sum of plain balances per asset
	// must equal recorded supply.
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidatePlainConservation(); err != nil {
			return fmt.Errorf("post-check conservation: %w", err)
		}
	}

	return nil
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	EncBalances     map[ledger.BalanceKey]crypt.Handle
	PlainBalances   map[ledger.BalanceKey]int64
	PlainSupply     map[common.Address]int64
	Reserves        map[pool.ReserveKey]int64
	Pools           map[pool.PoolID]pool.PoolKey
	Tokens          map[pool.ReserveKey]common.Address
	Batches         []*batch.Batch
	Intents         []*batch.Intent
	SequenceState   map[string]int64
	HeightState     map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart, the latest snapshot is loaded then the op log replayed.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	c.encLedger.Restore(snap.EncBalances)
	c.plainLedger.Restore(snap.PlainBalances, snap.PlainSupply)
	c.reserves.Restore(snap.Reserves)
	c.registry.Restore(snap.Pools, snap.Tokens)
	c.batches.Restore(snap.Batches)
	c.book.Restore(snap.Intents)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq, snap.HeightState[partition])
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache, avoiding
// cold-path DB lookups for recently processed operations.
func (c *Core) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *Core) CreateSnapshotState() *SnapshotState {
	plainBalances, plainSupply := c.plainLedger.Snapshot()
	pools, tokens := c.registry.Snapshot()
	seqs, heights := c.sequenceValidator.GetAllPartitions()

	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		EncBalances:     c.encLedger.Snapshot(),
		PlainBalances:   plainBalances,
		PlainSupply:     plainSupply,
		Reserves:        c.reserves.Snapshot(),
		Pools:           pools,
		Tokens:          tokens,
		Batches:         c.batches.Snapshot(),
		Intents:         c.book.Snapshot(),
		SequenceState:   seqs,
		HeightState:     heights,
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

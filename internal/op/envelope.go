package op

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeDeposit
	OpTypeIntentSubmit
	OpTypeBatchFinalize
	OpTypeBatchSettle
	OpTypePlainTransfer
)

// Envelope wraps every applied operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Operation type discriminator
	OpType OpType

	// Pool context, hex-encoded (nullable for global operations)
	PoolID *string

	// Versioned block height (NOT wall-clock)
	Height int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded operation payload
	Payload []byte

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}

// Op is the interface all operation payloads must implement
type Op interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// PoolID returns the pool context (nil for global operations)
	PoolID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// BlockHeight returns the versioned block height carried by the
	// operation. The core never reads wall-clock time.
	BlockHeight() int64
}

func (ot OpType) String() string {
	switch ot {
	case OpTypeDeposit:
		return "Deposit"
	case OpTypeIntentSubmit:
		return "IntentSubmit"
	case OpTypeBatchFinalize:
		return "BatchFinalize"
	case OpTypeBatchSettle:
		return "BatchSettle"
	case OpTypePlainTransfer:
		return "PlainTransfer"
	default:
		return "Unknown"
	}
}

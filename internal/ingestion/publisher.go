package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"CipherPool/internal/op"
)

// OutboundPublisher publishes processed operations and batch lifecycle
// signals to NATS for downstream consumers. Outbound messages go out after
// the core emitted them; the off-chain matcher consumes finalized batch
// snapshots from cipher.batches.finalized.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan Outbound
}

// PublishableOp is a processed operation ready for outbound publishing.
type PublishableOp struct {
	Sequence       int64       `json:"sequence"`
	OpType         string      `json:"op_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	PoolID         *string     `json:"pool_id,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Height         int64       `json:"height"`
}

// Outbound bundles everything one core output can emit: the op record
// itself, and optionally a finalized-batch snapshot or settlement signal.
type Outbound struct {
	Op        *PublishableOp
	Finalized *op.FinalizedBatch
	Settled   *op.SettlementSignal
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan Outbound) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (p *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if out.Op != nil {
				if err := p.publishOp(ctx, out.Op); err != nil {
					log.Printf("WARN: outbound publish failed seq=%d: %v", out.Op.Sequence, err)
					// Non-fatal: downstream consumers can query the op log directly
				}
			}
			if out.Finalized != nil {
				if err := p.PublishFinalizedBatch(ctx, out.Finalized); err != nil {
					log.Printf("WARN: finalized batch publish failed batch=%s: %v", out.Finalized.BatchID, err)
				}
			}
			if out.Settled != nil {
				if err := p.PublishSettlement(ctx, out.Settled); err != nil {
					log.Printf("WARN: settlement publish failed batch=%s: %v", out.Settled.BatchID, err)
				}
			}
		}
	}
}

func (p *OutboundPublisher) publishOp(ctx context.Context, rec *PublishableOp) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal op: %w", err)
	}

	// Subject: cipher.ledger.ops.{op_type}.{pool_id}
	subject := fmt.Sprintf("cipher.ledger.ops.%s", rec.OpType)
	if rec.PoolID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *rec.PoolID)
	}

	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// PublishFinalizedBatch emits a finalized batch snapshot for the off-chain
// matcher. This is the only point intent contents cross the trust boundary.
func (p *OutboundPublisher) PublishFinalizedBatch(ctx context.Context, fb *op.FinalizedBatch) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("marshal finalized batch: %w", err)
	}
	subject := fmt.Sprintf("cipher.batches.finalized.%s", fb.Pool)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// PublishSettlement emits the settlement-completed signal.
func (p *OutboundPublisher) PublishSettlement(ctx context.Context, sig *op.SettlementSignal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal settlement signal: %w", err)
	}
	subject := fmt.Sprintf("cipher.batches.settled.%s", sig.Pool)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound stream covering op records and
// batch lifecycle subjects.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "CIPHER_LEDGER_EVENTS",
		Subjects:  []string{"cipher.ledger.>", "cipher.batches.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream CIPHER_LEDGER_EVENTS")
	return nil
}

package engine

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	lastHeight      map[string]int64 // partition -> last accepted block height
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		lastHeight:      make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// This is expected - already processed
			return nil
		}
		// Out-of-order delivery of NEW operation
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order op: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		// Normal case - advance sequence
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateHeight enforces block height monotonicity per partition.
// Heights may repeat (several ops in one block) but never regress.
func (sv *SequenceValidator) ValidateHeight(partition string, height int64) error {
	last := sv.lastHeight[partition]

	if height < last {
		sv.metrics.RecordHeightRegression(partition)
		return fmt.Errorf("block height regression: partition=%s, last=%d, got=%d",
			partition, last, height)
	}

	sv.lastHeight[partition] = height
	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes a partition's state (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq, lastHeight int64) {
	sv.expectedNextSeq[partition] = nextSeq
	sv.lastHeight[partition] = lastHeight
}

// GetAllPartitions returns a copy of all partition state (used for snapshots)
func (sv *SequenceValidator) GetAllPartitions() (seqs map[string]int64, heights map[string]int64) {
	seqs = make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		seqs[k] = v
	}
	heights = make(map[string]int64, len(sv.lastHeight))
	for k, v := range sv.lastHeight {
		heights[k] = v
	}
	return seqs, heights
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps              map[string]int64 // partition -> gap count
	outOfOrder        map[string]int64 // partition -> out-of-order count
	heightRegressions map[string]int64 // partition -> height regression count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:              make(map[string]int64),
		outOfOrder:        make(map[string]int64),
		heightRegressions: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordHeightRegression(partition string) {
	m.heightRegressions[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetHeightRegressions(partition string) int64 {
	return m.heightRegressions[partition]
}

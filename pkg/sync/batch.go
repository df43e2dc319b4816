package sync

import (
	"context"
	"fmt"

	"github.com/trialpulse/clindata/core/pkg/event"
)

// MaxBatchSize bounds one sync upload. Clients with more backlog page.
const MaxBatchSize = 200

// BatchResult reports a batch submission. Items committed before a failure
// stay committed; FailedIndex points at the first envelope that did not, so
// the client retries only the tail. Idempotency keys make that retry safe.
type BatchResult struct {
	Results     []*Result `json:"results"`
	Committed   int       `json:"committed"`
	FailedIndex int       `json:"failed_index"` // -1 when the whole batch landed
	FailureMsg  string    `json:"failure,omitempty"`
}

// BatchTooLargeError rejects oversized uploads before any work is done.
type BatchTooLargeError struct {
	Size int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch of %d envelopes exceeds limit %d", e.Size, MaxBatchSize)
}

// ApplyBatch submits envelopes in order, stopping at the first hard failure.
// A conflict outcome is not a failure: the branch is preserved in the ledger
// and the batch continues, because later envelopes may target other entities.
func (r *Resolver) ApplyBatch(ctx context.Context, envelopes []*event.Envelope) (*BatchResult, error) {
	if len(envelopes) > MaxBatchSize {
		return nil, &BatchTooLargeError{Size: len(envelopes)}
	}

	batch := &BatchResult{
		Results:     make([]*Result, 0, len(envelopes)),
		FailedIndex: -1,
	}
	for i, env := range envelopes {
		if err := ctx.Err(); err != nil {
			batch.FailedIndex = i
			batch.FailureMsg = err.Error()
			return batch, nil
		}
		res, err := r.Submit(ctx, env)
		if err != nil {
			batch.FailedIndex = i
			batch.FailureMsg = err.Error()
			return batch, nil
		}
		batch.Results = append(batch.Results, res)
		batch.Committed++
	}
	return batch, nil
}

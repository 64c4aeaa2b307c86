package pipeline

import (
	"context"

	"predictive-maintenance-core/core/internal/outbox"
)

const maxDrainRounds = 1000

// Chain runs the consumer chain in-process: the dispatcher publishes through
// a LocalPublisher, so every committed event is handled before Drain returns.
type Chain struct {
	Dispatcher *outbox.Dispatcher
}

// Drain dispatches until no due event is left and reports how many rows
// were claimed in total. Events waiting on a retry delay are left pending.
func (c Chain) Drain(ctx context.Context) (int, error) {
	total := 0
	for round := 0; round < maxDrainRounds; round++ {
		n, err := c.Dispatcher.DispatchBatch(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
	return total, nil
}

package ratelimit

import (
	"context"
	"time"

	"github.com/cloudpad/gameserv/internal/service/usage"
)

type ledgerCounter struct {
	ledger usage.Service
	now    func() time.Time
}

// NewLedgerCounter counts admissions directly against the usage ledger's
// sliding window. The event for the current invocation is written by the
// dispatcher after admission, so the window count is prior events plus one.
func NewLedgerCounter(ledger usage.Service) Counter {
	return &ledgerCounter{ledger: ledger, now: time.Now}
}

func (c *ledgerCounter) WindowCount(ctx context.Context, userID string, window time.Duration) (int, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, err := c.ledger.CountSince(ctx, userID, c.now().Add(-window))
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

func (c *ledgerCounter) Close() {}

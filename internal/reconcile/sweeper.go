package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
)

// Sweeper periodically reconciles pending orders nobody is polling, so
// overdue charges expire and missed payments still materialize. Each sweep
// continues where the previous one stopped and wraps around at the end, so
// every due row is visited even when more than Batch are waiting.
type Sweeper struct {
	Machine  *Machine
	Ledger   orders.PendingLedger
	Interval time.Duration
	Batch    int
	Metrics  *metrics.Metrics
	Logger   *logging.Logger

	mu     sync.Mutex
	cursor orders.DueCursor
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce visits the next batch of due pending orders, earliest deadline
// first, and returns how many were visited.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.Batch
	if batch <= 0 {
		batch = 100
	}
	due, err := s.Ledger.ListDuePending(ctx, s.cursor, batch)
	if err != nil {
		s.Logger.Err(logging.Fields{Step: "sweep", Message: "list due pending"}, err)
		return 0
	}

	visited := 0
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		visited++
		s.cursor = orders.CursorAt(p)
		_, err := s.Machine.Reconcile(ctx, p.ID, TriggerSweep)
		if err != nil && !errors.Is(err, orders.ErrExpired) && !errors.Is(err, orders.ErrFailed) {
			s.Logger.Err(logging.Fields{Step: "sweep", PendingID: p.ID, ChargeID: p.ChargeID}, err)
		}
	}
	// batch tidak penuh = sudah sampai ujung; sweep berikutnya mulai dari awal
	if visited == len(due) && len(due) < batch {
		s.cursor = orders.DueCursor{}
	}
	s.Metrics.Swept(visited)
	return visited
}

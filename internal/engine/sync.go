package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sync polls the venue for the fill state of a working order
func (e *Engine) Sync(ctx context.Context, orderID string) (Execution, error) {
	x, err := e.Get(orderID)
	if err != nil {
		return Execution{}, err
	}
	if x.Status != StatusWorking {
		return x, nil
	}
	adapter, ok := e.adapter(x.VenueID)
	if !ok {
		return x, fmt.Errorf("%w: %s", ErrNoAdapter, x.VenueID)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.AckTimeout)
	resp, err := adapter.Status(callCtx, x.VenueOrderID)
	cancel()
	if err != nil {
		return x, fmt.Errorf("status of %s at %s: %w", orderID, x.VenueID, err)
	}
	if !resp.Accepted() {
		return x, nil
	}

	e.applyFill(orderID, resp.Ack.FilledQty, resp.Ack.AvgPrice, e.now())
	if resp.Ack.Final {
		if cur, _ := e.Get(orderID); cur.Status == StatusWorking {
			e.complete(orderID, e.decision(x.DecisionID))
		}
	}
	return e.snapshot(orderID), nil
}

// Run polls working orders on the worker pool and prunes finished ones
// until ctx ends
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.pollWorking(ctx)
			e.prune()
		}
	}
}

// Helper methods

func (e *Engine) pollWorking(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0)
	for id, x := range e.executions {
		if x.Status == StatusWorking {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if _, err := e.Sync(ctx, id); err != nil {
				e.logger.WithError(err).WithField("order_id", id).Debug("Status poll failed")
			}
		}
		if !e.pool.Submit(task) {
			task()
		}
	}
	wg.Wait()
}

// prune forgets terminal orders older than the retention window
func (e *Engine) prune() {
	cutoff := e.now().Add(-e.config.Retention)
	var decisions []string
	e.mu.Lock()
	for id, x := range e.executions {
		if x.Status.Terminal() && x.UpdatedAt.Before(cutoff) {
			if x.DecisionID != "" {
				decisions = append(decisions, x.DecisionID)
			}
			delete(e.executions, id)
		}
	}
	e.mu.Unlock()

	for _, id := range decisions {
		e.router.Forget(id)
	}
	if n := e.tracker.Prune(); n > 0 || len(decisions) > 0 {
		e.logger.WithFields(logrus.Fields{
			"decisions": len(decisions),
			"metrics":   n,
		}).Debug("Pruned finished orders")
	}
}

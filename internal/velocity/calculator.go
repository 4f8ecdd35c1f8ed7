package velocity

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearframe/risk-engine/internal/store"
)

// DefaultLookbackDays is the history window used when the caller does
// not supply one.
const DefaultLookbackDays = 90

// maxComputeConcurrency bounds the per-risk fan-out in Batch.
const maxComputeConcurrency = 8

// Calculator computes velocities from ledger reads.
type Calculator struct {
	store store.Store
}

// NewCalculator creates a Calculator backed by the given store.
func NewCalculator(s store.Store) *Calculator {
	return &Calculator{store: s}
}

func lookbackWindow(lookbackDays int) store.HistoryWindow {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	from := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	return store.HistoryWindow{From: &from}
}

// ForRisk computes the velocity of a single risk over the lookback
// window. Returns nil when the window holds fewer than two snapshots.
func (c *Calculator) ForRisk(ctx context.Context, riskID string, lookbackDays int) (*Velocity, error) {
	history, err := c.store.ReadScoreHistory(ctx, riskID, lookbackWindow(lookbackDays))
	if err != nil {
		return nil, eris.Wrapf(err, "velocity: read history for risk %s", riskID)
	}
	return Compute(history), nil
}

// Batch computes velocities for many risks with a single batched history
// read; the storage round-trip count does not grow with the batch size.
// Risks without a computable velocity are absent from the result.
// Per-risk computation fans out over a bounded worker group; the map
// contents are independent of completion order. A failed read fails the
// whole batch rather than degrading any risk to a default trend.
func (c *Calculator) Batch(ctx context.Context, riskIDs []string, lookbackDays int) (map[string]Velocity, error) {
	result := make(map[string]Velocity, len(riskIDs))
	if len(riskIDs) == 0 {
		return result, nil
	}

	histories, err := c.store.ReadScoreHistoryBatch(ctx, riskIDs, lookbackWindow(lookbackDays))
	if err != nil {
		return nil, eris.Wrap(err, "velocity: batch read history")
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(maxComputeConcurrency)

	for _, riskID := range riskIDs {
		history := histories[riskID]
		g.Go(func() error {
			v := Compute(history)
			if v == nil {
				return nil
			}
			mu.Lock()
			result[riskID] = *v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Debug("velocity: batch computed",
		zap.Int("requested", len(riskIDs)),
		zap.Int("computed", len(result)),
	)

	return result, nil
}

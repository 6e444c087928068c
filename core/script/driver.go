package script

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojotm/core/manager"
)

// DriverConfig paces dispatch.
type DriverConfig struct {
	// Rate is the number of operations dispatched per second. 0 means no limit.
	Rate float64
	// Burst is the number of operations dispatched back to back before Rate
	// applies.
	Burst int
}

// Result summarizes a run.
type Result struct {
	Dispatched int
	Failed     int
	// Stuck is the manager state at the moment the run was interrupted,
	// before any waiting operation was released. Nil when the run completed.
	Stuck *manager.Snapshot
}

// Driver submits the operations of a script concurrently.
type Driver struct {
	m       *manager.Manager
	logger  *zap.Logger
	limiter *rate.Limiter
}

// NewDriver creates a Driver submitting to m.
func NewDriver(m *manager.Manager, cfg DriverConfig, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Driver{
		m:       m,
		logger:  logger.Named("driver"),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Run primes the sequencer with the script's operation counts, dispatches
// every operation on its own goroutine in script order and waits for all of
// them. Operation failures are already reported by the manager; they are
// counted in the result, not returned. Run only fails when ctx ends first.
//
// When ctx ends, Run records the manager state in Result.Stuck and then
// releases waiting operations. Operations whose turn comes after that are
// skipped, so an interrupted run never commits or aborts a transaction.
func (d *Driver) Run(ctx context.Context, s *Script) (Result, error) {
	for _, id := range s.TxnIDs() {
		if err := d.m.Prepare(id, s.Counts[id]); err != nil {
			return Result{}, errors.Wrapf(err, "failed to prepare transaction %d", id)
		}
	}

	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()
	var stuck *manager.Snapshot
	taken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		snap := d.m.Snapshot()
		stuck = &snap
		close(taken)
		cancelRun()
	})

	var failed atomic.Int64
	var g errgroup.Group
	dispatched := 0
	var dispatchErr error
	for _, op := range s.Ops {
		if err := d.limiter.Wait(runCtx); err != nil {
			d.logger.Warn("Dispatch stopped", zap.Int("dispatched", dispatched), zap.Int("total", len(s.Ops)), zap.Error(err))
			dispatchErr = err
			break
		}
		op := op
		g.Go(func() error {
			err := d.m.Execute(runCtx, op)
			if err == nil {
				return nil
			}
			if runCtx.Err() != nil {
				return err
			}
			failed.Add(1)
			d.logger.Debug("Operation failed",
				zap.Int("line", op.Line), zap.Stringer("op", op.Kind), zap.Uint64("tid", op.TxnID), zap.Error(err))
			return nil
		})
		dispatched++
	}

	waitErr := g.Wait()
	if !stop() {
		<-taken
	}
	res := Result{Dispatched: dispatched, Failed: int(failed.Load())}
	if dispatchErr == nil && waitErr == nil {
		return res, nil
	}
	res.Stuck = stuck
	if dispatchErr != nil {
		return res, errors.Wrap(ctx.Err(), "dispatch interrupted")
	}
	return res, errors.Wrap(ctx.Err(), "run interrupted")
}

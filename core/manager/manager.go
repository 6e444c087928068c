// Package manager is the lock-based concurrency-control core of the
// transaction manager. It admits transactions, grants or defers shared and
// exclusive object locks, and on commit or abort releases every lock the
// transaction held and wakes the transactions blocked behind it.
//
// Two synchronization layers compose:
//
//   - a per-transaction barrier (package sequencer) that runs the operations
//     of one transaction in submission order;
//   - a single critical section, Manager.mu, guarding the registry, the lock
//     table and the wait signals. It is never held while blocking: a
//     transaction that must wait releases it, blocks on the wait signal of
//     the transaction it conflicts with, and re-acquires it after waking to
//     re-check both its own status and the lock.
//
// There is no deadlock detection. A cycle of waits blocks until the callers'
// contexts are cancelled.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotm/core/audit"
	"github.com/sushant-115/gojotm/core/lock"
	"github.com/sushant-115/gojotm/core/objects"
	"github.com/sushant-115/gojotm/core/sequencer"
	"github.com/sushant-115/gojotm/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotm/internal/telemetry"
)

// waitSignal is the wake-up point of one transaction. Transactions blocked
// behind it count themselves in waiting; termination closes done, which
// releases each of them exactly once.
type waitSignal struct {
	waiting int
	done    chan struct{}
}

func newWaitSignal() *waitSignal {
	return &waitSignal{done: make(chan struct{})}
}

// Manager owns all transaction-manager state. Create it with New.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	audit   *audit.Log
	metrics *internaltelemetry.TxnMetrics
	tracer  trace.Tracer

	seq     *sequencer.Sequencer
	objects *objects.Store

	mu       sync.Mutex // the critical section
	registry *transaction.Registry
	locks    *lock.Table
	signals  map[uint64]*waitSignal
	// idle is closed when the registry becomes empty; nil until Drain asks.
	idle chan struct{}
	// aborted remembers ids whose last incarnation aborted, so that their
	// leftover reads and writes are dropped quietly.
	aborted map[uint64]struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics records operation metrics on m.
func WithMetrics(m *internaltelemetry.TxnMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithTracer wraps every operation in a span from t.
func WithTracer(t trace.Tracer) Option {
	return func(mgr *Manager) { mgr.tracer = t }
}

// New creates a Manager with an empty registry and lock table.
func New(cfg Config, auditLog *audit.Log, logger *zap.Logger, opts ...Option) *Manager {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("manager"),
		audit:    auditLog,
		metrics:  internaltelemetry.NewNoopTxnMetrics(),
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
		seq:      sequencer.New(),
		objects:  objects.NewStore(cfg.NumObjects, cfg.InitialValue),
		registry: transaction.NewRegistry(),
		locks:    lock.NewTable(cfg.MaxLocks),
		signals:  make(map[uint64]*waitSignal),
		aborted:  make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prepare primes the operation barrier of tid for count operations. The
// operations must then carry sequence numbers count, count-1, ..., 1.
func (m *Manager) Prepare(tid uint64, count int64) error {
	return m.seq.Prepare(tid, count)
}

// Value returns the current value of an object.
func (m *Manager) Value(object int64) (int64, error) {
	return m.objects.Get(object)
}

func (m *Manager) startSpan(ctx context.Context, op string, tid uint64, seq int64) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, "gojotm."+op, trace.WithAttributes(
		attribute.Int64("txn.id", int64(tid)),
		attribute.Int64("txn.seq", seq),
	))
	m.metrics.OpStarted(ctx, op)
	return ctx, span
}

// enter waits for the operation's turn within its transaction. When ctx is
// already done by then, the turn is passed on without running the operation,
// so the rest of the transaction drains without touching any state.
func (m *Manager) enter(ctx context.Context, tid uint64, seq int64) (*sequencer.Turn, error) {
	turn, err := m.seq.Enter(tid, seq)
	if err != nil {
		m.metrics.Error(ctx, "sequence")
		m.audit.Error(fmt.Sprintf("Operation %d of transaction %d cannot be sequenced: %v", seq, tid, err),
			zap.Uint64("tid", tid), zap.Int64("seq", seq), zap.Error(err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		turn.Done()
		m.logger.Debug("Skipping operation of cancelled run", zap.Uint64("tid", tid), zap.Int64("seq", seq), zap.Error(err))
		return nil, err
	}
	return turn, nil
}

// Begin registers a new active transaction.
func (m *Manager) Begin(ctx context.Context, tid uint64, kind transaction.Kind, seq int64) error {
	ctx, span := m.startSpan(ctx, "begin", tid, seq)
	defer span.End()

	turn, err := m.enter(ctx, tid, seq)
	if err != nil {
		return err
	}
	defer turn.Done()

	m.mu.Lock()
	if err := m.registry.Insert(transaction.NewRecord(tid, kind)); err != nil {
		m.mu.Unlock()
		m.metrics.Error(ctx, "exists")
		m.audit.Error(fmt.Sprintf("Transaction %d already exists", tid), zap.Uint64("tid", tid), zap.Error(err))
		return err
	}
	delete(m.aborted, tid)
	m.signals[tid] = newWaitSignal()
	m.mu.Unlock()

	m.metrics.ActiveTxnsUpDownCounter.Add(ctx, 1)
	m.audit.Begin(tid, byte(kind))
	m.logger.Debug("Transaction begun", zap.Uint64("tid", tid), zap.Stringer("kind", kind))
	return nil
}

// Read takes a shared lock on object for tid and applies the read delta.
// delay overrides the configured service time when positive.
func (m *Manager) Read(ctx context.Context, tid uint64, object int64, seq int64, delay time.Duration) error {
	return m.access(ctx, audit.Read, tid, object, seq, delay)
}

// Write takes an exclusive lock on object for tid and applies the write
// delta. delay overrides the configured service time when positive.
func (m *Manager) Write(ctx context.Context, tid uint64, object int64, seq int64, delay time.Duration) error {
	return m.access(ctx, audit.Write, tid, object, seq, delay)
}

func (m *Manager) access(ctx context.Context, kind audit.Access, tid uint64, object int64, seq int64, delay time.Duration) error {
	op, mode, delta := "read", lock.ModeShared, m.cfg.ReadDelta
	if kind == audit.Write {
		op, mode, delta = "write", lock.ModeExclusive, m.cfg.WriteDelta
	}
	ctx, span := m.startSpan(ctx, op, tid, seq)
	defer span.End()
	span.SetAttributes(attribute.Int64("object.id", object))

	turn, err := m.enter(ctx, tid, seq)
	if err != nil {
		return err
	}
	defer turn.Done()

	if !m.objects.Valid(object) {
		err := errors.Wrapf(objects.ErrObjectOutOfRange, "tid:%d obno:%d", tid, object)
		m.metrics.Error(ctx, "object_range")
		m.audit.Error(fmt.Sprintf("Transaction %d referenced object %d outside 0..%d", tid, object, m.objects.Len()-1),
			zap.Uint64("tid", tid), zap.Int64("obno", object))
		return err
	}

	m.mu.Lock()
	rec, err := m.registry.Lookup(tid)
	if err != nil {
		_, wasAborted := m.aborted[tid]
		m.mu.Unlock()
		if wasAborted {
			m.logger.Debug("Dropping operation of aborted transaction", zap.Uint64("tid", tid), zap.String("op", op))
			return nil
		}
		m.metrics.Error(ctx, "not_found")
		m.audit.Error(fmt.Sprintf("Transaction %d not found", tid), zap.Uint64("tid", tid), zap.String("op", op))
		return err
	}

	for {
		if rec.Status == transaction.StatusAborted || rec.Status == transaction.StatusEnded {
			m.mu.Unlock()
			m.logger.Debug("Dropping operation of aborted transaction", zap.Uint64("tid", tid), zap.String("op", op))
			return nil
		}

		decision, blocker, err := m.locks.Request(tid, lock.DefaultGroup, object, mode)
		if err != nil {
			m.mu.Unlock()
			m.metrics.Error(ctx, "lock_table_full")
			m.audit.Error(fmt.Sprintf("Not enough memory to store obno:%d in lock hash table for node with tid: %d", object, tid),
				zap.Uint64("tid", tid), zap.Int64("obno", object), zap.Error(err))
			return err
		}
		if decision == lock.Granted {
			rec.AddLock(object, mode)
			m.metrics.LockGranted(ctx, mode.String())
		}
		if decision != lock.Blocked {
			break
		}

		if err := m.wait(ctx, rec, object, mode, blocker.TxnID); err != nil {
			return err
		}
	}
	status := rec.Status
	m.mu.Unlock()

	value, _ := m.objects.Add(object, delta)
	if delay <= 0 {
		delay = m.cfg.OpDelay
	}
	m.audit.Access(tid, byte(rec.Kind), kind, object, value, delay, status.Code())
	m.logger.Debug("Access granted",
		zap.Uint64("tid", tid), zap.String("op", op), zap.Int64("obno", object), zap.Int64("value", value))

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// wait blocks rec behind target. It is called with m.mu held and returns
// with m.mu held on success; on error m.mu has been released.
func (m *Manager) wait(ctx context.Context, rec *transaction.Record, object int64, mode lock.Mode, target uint64) error {
	rec.BeginWait(object, mode)
	if err := m.registry.SetWaitTarget(rec.ID, target); err != nil {
		m.mu.Unlock()
		m.protocolViolation(err, rec.ID, target)
		return err
	}
	sig, ok := m.signals[target]
	if !ok {
		m.mu.Unlock()
		err := errors.Wrapf(transaction.ErrWaitProtocol, "tid:%d has no wait signal", target)
		m.protocolViolation(err, rec.ID, target)
		return err
	}
	sig.waiting++
	m.mu.Unlock()

	m.metrics.LockWaitsCounter.Add(ctx, 1)
	m.logger.Debug("Waiting for lock",
		zap.Uint64("tid", rec.ID), zap.Int64("obno", object), zap.Stringer("mode", mode), zap.Uint64("waitsOn", target))
	start := time.Now()

	select {
	case <-sig.done:
	case <-ctx.Done():
		m.mu.Lock()
		select {
		case <-sig.done:
		default:
			sig.waiting--
		}
		rec.EndWait()
		m.mu.Unlock()
		m.logger.Warn("Gave up waiting for lock", zap.Uint64("tid", rec.ID), zap.Uint64("waitsOn", target), zap.Error(ctx.Err()))
		return ctx.Err()
	}

	m.metrics.LockWaitHistogram.Record(ctx, time.Since(start).Milliseconds(),
		metric.WithAttributes(attribute.String("mode", mode.String())))
	m.mu.Lock()
	rec.EndWait()
	return nil
}

// protocolViolation reports a broken wait-target invariant and terminates
// the process through the logger's fatal hook.
func (m *Manager) protocolViolation(err error, tid, target uint64) {
	m.audit.Error(fmt.Sprintf("Txid %d cannot wait on tid %d: %v", tid, target, err),
		zap.Uint64("tid", tid), zap.Uint64("waitsOn", target))
	m.logger.Fatal("Wait target protocol violation", zap.Uint64("tid", tid), zap.Uint64("waitsOn", target), zap.Error(err))
}

// Outcome selects how a transaction terminates.
type Outcome int

const (
	Commit Outcome = iota
	Abort
)

func (o Outcome) String() string {
	if o == Abort {
		return "abort"
	}
	return "commit"
}

// Commit ends tid successfully, releasing its locks and waking its waiters.
func (m *Manager) Commit(ctx context.Context, tid uint64, seq int64) error {
	return m.finish(ctx, tid, seq, Commit)
}

// Abort ends tid unsuccessfully, releasing its locks and waking its waiters.
// Object values are not rolled back.
func (m *Manager) Abort(ctx context.Context, tid uint64, seq int64) error {
	return m.finish(ctx, tid, seq, Abort)
}

func (m *Manager) finish(ctx context.Context, tid uint64, seq int64, outcome Outcome) error {
	ctx, span := m.startSpan(ctx, outcome.String(), tid, seq)
	defer span.End()

	turn, err := m.enter(ctx, tid, seq)
	if err != nil {
		return err
	}
	defer turn.Done()
	return m.terminate(ctx, tid, outcome)
}

// terminate runs the commit/abort cascade for tid: drop every lock it owns,
// log the released values and the outcome, unregister it and wake every
// transaction blocked behind it.
func (m *Manager) terminate(ctx context.Context, tid uint64, outcome Outcome) error {
	m.mu.Lock()
	rec, err := m.registry.Lookup(tid)
	if err != nil {
		m.mu.Unlock()
		m.metrics.Error(ctx, "not_found")
		m.audit.Error(fmt.Sprintf("Trying to %s a non-existent transaction: %d", outcome, tid),
			zap.Uint64("tid", tid), zap.Error(err))
		return err
	}
	if outcome == Abort {
		rec.Status = transaction.StatusAborted
	}

	released := make([]audit.Released, 0, len(rec.Locks))
	var inconsistent []int64
	for _, l := range rec.Locks {
		if err := m.locks.Remove(tid, lock.DefaultGroup, l.Object); err != nil {
			inconsistent = append(inconsistent, l.Object)
			continue
		}
		value, _ := m.objects.Get(l.Object)
		released = append(released, audit.Released{Object: l.Object, Value: value})
	}
	rec.Locks = nil

	sig := m.signals[tid]
	delete(m.signals, tid)
	removeErr := m.registry.Remove(tid)
	if outcome == Abort {
		m.aborted[tid] = struct{}{}
	}
	if m.registry.Len() == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
	waiters := 0
	if sig != nil {
		waiters = sig.waiting
		sig.waiting = 0
	}
	m.mu.Unlock()

	if removeErr != nil {
		m.reportUnlinkFailure(ctx, tid, removeErr)
	}
	for _, obj := range inconsistent {
		m.metrics.Error(ctx, "inconsistency")
		m.audit.Error(fmt.Sprintf("Node with tid:%d and obno:%d was not found for deleting", tid, obj),
			zap.Uint64("tid", tid), zap.Int64("obno", obj))
	}
	m.audit.Released(tid, released)
	if outcome == Abort {
		m.audit.Abort(tid)
		m.metrics.AbortsCounter.Add(ctx, 1)
	} else {
		m.audit.Commit(tid)
		m.metrics.CommitsCounter.Add(ctx, 1)
	}
	m.metrics.ActiveTxnsUpDownCounter.Add(ctx, -1)

	if sig != nil {
		close(sig.done)
	}
	m.logger.Debug("Transaction terminated",
		zap.Uint64("tid", tid), zap.Stringer("outcome", outcome), zap.Int("locks", len(released)), zap.Int("wokenWaiters", waiters))
	return nil
}

// reportUnlinkFailure logs a registry removal that found nothing to remove.
func (m *Manager) reportUnlinkFailure(ctx context.Context, tid uint64, err error) {
	m.metrics.Error(ctx, "inconsistency")
	m.audit.Error(fmt.Sprintf("Transaction %d was not found for removal", tid),
		zap.Uint64("tid", tid), zap.Error(err))
}

// Drain blocks until no transaction is registered or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		m.mu.Lock()
		n := m.registry.Len()
		if n == 0 {
			m.mu.Unlock()
			return nil
		}
		if m.idle == nil {
			m.idle = make(chan struct{})
		}
		idle := m.idle
		m.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%d transactions still registered", n)
		}
	}
}

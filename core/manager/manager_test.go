package manager

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/gojotm/core/audit"
	"github.com/sushant-115/gojotm/core/lock"
	"github.com/sushant-115/gojotm/core/transaction"
)

// --- Test Helpers ---

// lockedBuffer lets the test read the audit log while operations are still
// appending to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(b.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// indexOf returns the position of the first line starting with prefix.
func (b *lockedBuffer) indexOf(prefix string) int {
	for i, l := range b.Lines() {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	return -1
}

type harness struct {
	m     *Manager
	audit *lockedBuffer
	logs  *observer.ObservedLogs
}

func setupManager(t *testing.T, cfg Config) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic))
	buf := &lockedBuffer{}
	return &harness{
		m:     New(cfg, audit.New(buf, logger), logger),
		audit: buf,
		logs:  logs,
	}
}

// script primes the barrier of tid for n operations and returns a function
// producing their sequence numbers in order.
func (h *harness) script(t *testing.T, tid uint64, n int64) func() int64 {
	t.Helper()
	require.NoError(t, h.m.Prepare(tid, n))
	next := n + 1
	return func() int64 {
		next--
		return next
	}
}

// async runs fn on its own goroutine and returns a channel with its result.
func async(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not finish")
		return nil
	}
}

func requireBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("operation finished while it should be waiting: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) waitForWaiting(t *testing.T, tid, target uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range h.m.Snapshot().Waiting() {
			if s.ID == tid && s.Waiting && s.WaitsOn == target {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "T%d never waited on T%d", tid, target)
}

// checkConsistency asserts that every owned lock appears in the lock table
// and every lock table holder is an owned lock of a registered transaction.
func checkConsistency(t *testing.T, snap Snapshot) {
	t.Helper()
	owned := make(map[[2]int64]lock.Mode)
	for _, txn := range snap.Txns {
		for _, l := range txn.Locks {
			owned[[2]int64{int64(txn.ID), l.Object}] = l.Mode
		}
	}
	seen := 0
	for _, kh := range snap.Locks {
		exclusive := 0
		for _, h := range kh.Holders {
			mode, ok := owned[[2]int64{int64(h.TxnID), kh.Key.Object}]
			require.True(t, ok, "T%d holds %s without owning it", h.TxnID, kh.Key)
			require.Equal(t, mode, h.Mode)
			if h.Mode == lock.ModeExclusive {
				exclusive++
			}
			seen++
		}
		if exclusive > 0 {
			require.Len(t, kh.Holders, 1, "exclusive lock on %s shared with others", kh.Key)
		}
	}
	require.Equal(t, len(owned), seen, "owned locks missing from the lock table")
}

// --- Test Cases ---

// TestManager_WriteThenConflictingRead is the basic hand-off: T2's read of an
// object T1 wrote must wait for T1's commit and only then apply its delta.
func TestManager_WriteThenConflictingRead(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	t1 := h.script(t, 1, 3)
	t2 := h.script(t, 2, 3)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, t1()))
	require.NoError(t, h.m.Write(ctx, 1, 5, t1(), 0))
	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadOnly, t2()))

	read := async(func() error { return h.m.Read(ctx, 2, 5, t2(), 0) })
	h.waitForWaiting(t, 2, 1)
	requireBlocked(t, read)

	snap := h.m.Snapshot()
	require.Len(t, snap.Waiting(), 1)
	require.Equal(t, int64(5), snap.Waiting()[0].RequestedObject)
	require.Equal(t, lock.ModeShared, snap.Waiting()[0].RequestedMode)

	require.NoError(t, h.m.Commit(ctx, 1, t1()))
	require.NoError(t, waitResult(t, read))
	require.NoError(t, h.m.Commit(ctx, 2, t2()))

	v, err := h.m.Value(5)
	require.NoError(t, err)
	require.Equal(t, int64(7-4), v)

	commit := h.audit.indexOf("T1\tCommitTx")
	readLine := h.audit.indexOf("T2\tR\tReadtx")
	require.NotEqual(t, -1, commit)
	require.Greater(t, readLine, commit, "T2's read must be logged after T1's commit")
	require.Equal(t, "T2\tR\tReadtx\t5:3:0\tReadLock\tGranted\tP", h.audit.Lines()[readLine])

	snap = h.m.Snapshot()
	require.Empty(t, snap.Txns)
	require.Empty(t, snap.Locks)
}

func TestManager_SharedLocksDoNotWait(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	t1 := h.script(t, 1, 2)
	t2 := h.script(t, 2, 2)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadOnly, t1()))
	require.NoError(t, h.m.Read(ctx, 1, 9, t1(), 0))
	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadOnly, t2()))
	require.NoError(t, waitResult(t, async(func() error { return h.m.Read(ctx, 2, 9, t2(), 0) })))

	snap := h.m.Snapshot()
	require.Empty(t, snap.Waiting())
	require.Equal(t, []lock.KeyHolders{{
		Key:     lock.Key{Group: lock.DefaultGroup, Object: 9},
		Holders: []lock.Holder{{TxnID: 1, Mode: lock.ModeShared}, {TxnID: 2, Mode: lock.ModeShared}},
	}}, snap.Locks)
	checkConsistency(t, snap)
}

// TestManager_WaiterResumesAfterTargetAborts checks that an abort releases
// locks and wakes waiters just like a commit, and that the waiter itself is
// not treated as aborted.
func TestManager_WaiterResumesAfterTargetAborts(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	t1 := h.script(t, 1, 3)
	t2 := h.script(t, 2, 3)

	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadWrite, t2()))
	require.NoError(t, h.m.Write(ctx, 2, 4, t2(), 0))
	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, t1()))

	write := async(func() error { return h.m.Write(ctx, 1, 4, t1(), 0) })
	h.waitForWaiting(t, 1, 2)

	require.NoError(t, h.m.Abort(ctx, 2, t2()))
	require.NoError(t, waitResult(t, write))

	snap := h.m.Snapshot()
	require.Len(t, snap.Txns, 1)
	require.Equal(t, transaction.StatusActive, snap.Txns[0].Status)
	require.False(t, snap.Txns[0].Waiting)
	require.Equal(t, []transaction.OwnedLock{{Object: 4, Mode: lock.ModeExclusive}}, snap.Txns[0].Locks)
	checkConsistency(t, snap)

	require.NotEqual(t, -1, h.audit.indexOf("T2\tAbortTx"))
	require.NotEqual(t, -1, h.audit.indexOf("T2\tReleased\t4 : 7"), "released values are logged on abort too")

	require.NoError(t, h.m.Commit(ctx, 1, t1()))
	v, _ := h.m.Value(4)
	require.Equal(t, int64(14), v, "abort does not roll values back")
}

func TestManager_UnknownTransaction(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	next := h.script(t, 999, 1)

	err := h.m.Read(ctx, 999, 3, next(), 0)
	require.True(t, errors.Is(err, transaction.ErrTxnNotFound))

	require.Equal(t, []string{"ERROR: Transaction 999 not found"}, h.audit.Lines())
	require.Equal(t, 1, h.logs.FilterMessage("Transaction 999 not found").Len())

	snap := h.m.Snapshot()
	require.Empty(t, snap.Txns)
	require.Empty(t, snap.Locks)
	v, _ := h.m.Value(3)
	require.Equal(t, int64(0), v)
}

// TestManager_TerminateTwice checks that a second commit of the same id is
// reported and changes nothing.
func TestManager_TerminateTwice(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	next := h.script(t, 1, 4)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, next()))
	require.NoError(t, h.m.Write(ctx, 1, 2, next(), 0))
	require.NoError(t, h.m.Commit(ctx, 1, next()))
	before := h.m.Snapshot()

	err := h.m.Abort(ctx, 1, next())
	require.True(t, errors.Is(err, transaction.ErrTxnNotFound))
	require.Equal(t, before, h.m.Snapshot())

	require.Equal(t, []string{
		"T1\tW\tBeginTx",
		"T1\tW\tWritetx\t2:7:0\tWriteLock\tGranted\tP",
		"T1\tReleased\t2 : 7",
		"T1\tCommitTx",
		"ERROR: Trying to abort a non-existent transaction: 1",
	}, h.audit.Lines())
}

func TestManager_AccessAfterAbortIsNoop(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	next := h.script(t, 6, 3)

	require.NoError(t, h.m.Begin(ctx, 6, transaction.KindReadWrite, next()))
	require.NoError(t, h.m.Abort(ctx, 6, next()))
	require.NoError(t, h.m.Write(ctx, 6, 1, next(), 0))

	v, _ := h.m.Value(1)
	require.Equal(t, int64(0), v)
	require.Equal(t, -1, h.audit.indexOf("ERROR"))
	require.Equal(t, -1, h.audit.indexOf("T6\tW\tWritetx"))
}

func TestManager_DuplicateBegin(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	next := h.script(t, 3, 2)

	require.NoError(t, h.m.Begin(ctx, 3, transaction.KindReadOnly, next()))
	err := h.m.Begin(ctx, 3, transaction.KindReadWrite, next())
	require.True(t, errors.Is(err, transaction.ErrTxnAlreadyExists))
	require.Len(t, h.m.Snapshot().Txns, 1)
	require.Equal(t, transaction.KindReadOnly, h.m.Snapshot().Txns[0].Kind)
}

// TestManager_LockTableExhausted abandons the failing operation only; the
// transaction can still commit.
func TestManager_LockTableExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLocks = 1
	h := setupManager(t, cfg)
	ctx := context.Background()
	next := h.script(t, 1, 4)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, next()))
	require.NoError(t, h.m.Write(ctx, 1, 1, next(), 0))
	err := h.m.Write(ctx, 1, 2, next(), 0)
	require.True(t, errors.Is(err, lock.ErrLockTableFull))
	require.NotEqual(t, -1, h.audit.indexOf("ERROR: Not enough memory to store obno:2"))

	v, _ := h.m.Value(2)
	require.Equal(t, int64(0), v)
	checkConsistency(t, h.m.Snapshot())

	require.NoError(t, h.m.Commit(ctx, 1, next()))
	require.Empty(t, h.m.Snapshot().Locks)
}

// TestManager_ExclusiveWaitsOnEverySharedHolder shows the single wait target
// at work: the writer waits on the first reader, then on the second.
func TestManager_ExclusiveWaitsOnEverySharedHolder(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	r1 := h.script(t, 1, 3)
	r2 := h.script(t, 2, 3)
	w := h.script(t, 3, 3)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadOnly, r1()))
	require.NoError(t, h.m.Read(ctx, 1, 2, r1(), 0))
	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadOnly, r2()))
	require.NoError(t, h.m.Read(ctx, 2, 2, r2(), 0))
	require.NoError(t, h.m.Begin(ctx, 3, transaction.KindReadWrite, w()))

	write := async(func() error { return h.m.Write(ctx, 3, 2, w(), 0) })
	h.waitForWaiting(t, 3, 1)

	require.NoError(t, h.m.Commit(ctx, 1, r1()))
	h.waitForWaiting(t, 3, 2)
	requireBlocked(t, write)

	require.NoError(t, h.m.Commit(ctx, 2, r2()))
	require.NoError(t, waitResult(t, write))
	require.NoError(t, h.m.Commit(ctx, 3, w()))

	v, _ := h.m.Value(2)
	require.Equal(t, int64(-4-4+7), v)
}

// TestManager_WaitCycleHangsUntilCancelled documents that wait cycles are
// not detected: both transactions block until their contexts expire.
func TestManager_WaitCycleHangsUntilCancelled(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	t1 := h.script(t, 1, 3)
	t2 := h.script(t, 2, 3)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, t1()))
	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadWrite, t2()))
	require.NoError(t, h.m.Write(ctx, 1, 1, t1(), 0))
	require.NoError(t, h.m.Write(ctx, 2, 2, t2(), 0))

	cctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	a := async(func() error { return h.m.Write(cctx, 1, 2, t1(), 0) })
	b := async(func() error { return h.m.Write(cctx, 2, 1, t2(), 0) })
	h.waitForWaiting(t, 1, 2)
	h.waitForWaiting(t, 2, 1)

	require.True(t, errors.Is(waitResult(t, a), context.DeadlineExceeded))
	require.True(t, errors.Is(waitResult(t, b), context.DeadlineExceeded))

	snap := h.m.Snapshot()
	require.Empty(t, snap.Waiting(), "cancelled waiters leave the WAITING state")
	checkConsistency(t, snap)

	require.NoError(t, h.m.Commit(ctx, 1, t1()))
	require.NoError(t, h.m.Commit(ctx, 2, t2()))
	require.NoError(t, h.m.Drain(ctx))
}

// TestManager_CancelledRunSkipsQueuedOperations checks that an operation
// whose turn comes after its context ended passes the turn on without
// touching any state.
func TestManager_CancelledRunSkipsQueuedOperations(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	t1 := h.script(t, 1, 2)
	t2 := h.script(t, 2, 3)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, t1()))
	require.NoError(t, h.m.Write(ctx, 1, 4, t1(), 0))
	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadWrite, t2()))

	cctx, cancel := context.WithCancel(ctx)
	write := async(func() error { return h.m.Write(cctx, 2, 4, t2(), 0) })
	h.waitForWaiting(t, 2, 1)
	commit := async(func() error { return h.m.Commit(cctx, 2, t2()) })
	requireBlocked(t, commit)

	cancel()
	require.True(t, errors.Is(waitResult(t, write), context.Canceled))
	require.True(t, errors.Is(waitResult(t, commit), context.Canceled))

	require.Equal(t, -1, h.audit.indexOf("T2\tCommitTx"))
	require.Equal(t, -1, h.audit.indexOf("T2\tReleased"))
	require.Len(t, h.m.Snapshot().Txns, 2)
	require.Equal(t, 1, h.logs.FilterMessage("Skipping operation of cancelled run").Len())
}

func TestManager_UnlinkFailureIsLogged(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	h.m.reportUnlinkFailure(context.Background(), 9, transaction.ErrTxnNotFound)
	require.NotEqual(t, -1, h.audit.indexOf("ERROR: Transaction 9 was not found for removal"))
}

// TestManager_DrainWaitsForLastTransaction checks that Drain returns once the
// last registered transaction ends, and reports what is left on cancel.
func TestManager_DrainWaitsForLastTransaction(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, h.m.Drain(ctx))

	t1 := h.script(t, 1, 2)
	t2 := h.script(t, 2, 2)
	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadOnly, t1()))
	require.NoError(t, h.m.Begin(ctx, 2, transaction.KindReadOnly, t2()))

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := h.m.Drain(cctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Contains(t, err.Error(), "2 transactions still registered")

	drained := async(func() error { return h.m.Drain(ctx) })
	require.NoError(t, h.m.Commit(ctx, 1, t1()))
	requireBlocked(t, drained)
	require.NoError(t, h.m.Abort(ctx, 2, t2()))
	require.NoError(t, waitResult(t, drained))
}

func TestManager_ProtocolViolationIsFatal(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	rec := transaction.NewRecord(1, transaction.KindReadWrite)

	h.m.mu.Lock()
	require.NoError(t, h.m.registry.Insert(rec))
	require.Panics(t, func() {
		_ = h.m.wait(context.Background(), rec, 3, lock.ModeShared, 42)
	})

	require.Equal(t, 1, h.logs.FilterMessage("Wait target protocol violation").Len())
	require.NotEqual(t, -1, h.audit.indexOf("ERROR: Txid 1 cannot wait on tid 42"))
}

func TestManager_ObjectOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumObjects = 4
	h := setupManager(t, cfg)
	ctx := context.Background()
	next := h.script(t, 1, 2)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadOnly, next()))
	require.Error(t, h.m.Read(ctx, 1, 4, next(), 0))
	require.Empty(t, h.m.Snapshot().Locks)
}

func TestManager_DelayIsLoggedAndHonoured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpDelay = 30 * time.Millisecond
	h := setupManager(t, cfg)
	ctx := context.Background()
	next := h.script(t, 1, 3)

	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, next()))
	start := time.Now()
	require.NoError(t, h.m.Write(ctx, 1, 0, next(), 0))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.NoError(t, h.m.Read(ctx, 1, 0, next(), 5*time.Millisecond))

	require.Equal(t, "T1\tW\tWritetx\t0:7:30000\tWriteLock\tGranted\tP", h.audit.Lines()[1])
	require.Equal(t, "T1\tW\tReadtx\t0:3:5000\tReadLock\tGranted\tP", h.audit.Lines()[2],
		"a held exclusive lock satisfies the read and the read delta still applies")
}

// TestManager_ConcurrentInvariants runs many transactions, one goroutine per
// operation, while a checker keeps snapshotting the manager. Transactions
// touch objects in ascending order so that no wait cycle can form.
func TestManager_ConcurrentInvariants(t *testing.T) {
	const (
		txns    = 30
		objects = 6
	)
	h := setupManager(t, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var ops []Op
	var want [objects]int64
	rng := rand.New(rand.NewSource(42))
	for tid := uint64(1); tid <= txns; tid++ {
		var accesses []Op
		for obj := int64(0); obj < objects; obj++ {
			switch rng.Intn(3) {
			case 0:
				accesses = append(accesses, Op{Kind: OpRead, TxnID: tid, Object: obj})
				want[obj] -= 4
			case 1:
				accesses = append(accesses, Op{Kind: OpWrite, TxnID: tid, Object: obj, Delay: time.Millisecond})
				want[obj] += 7
			}
		}
		n := int64(len(accesses) + 2)
		require.NoError(t, h.m.Prepare(tid, n))
		ops = append(ops, Op{Kind: OpBegin, TxnID: tid, Type: transaction.KindReadWrite, Seq: n})
		for i, a := range accesses {
			a.Seq = n - 1 - int64(i)
			ops = append(ops, a)
		}
		ops = append(ops, Op{Kind: OpCommit, TxnID: tid, Seq: 1})
	}
	rng.Shuffle(len(ops), func(i, j int) { ops[i], ops[j] = ops[j], ops[i] })

	stop := make(chan struct{})
	snaps := make(chan []Snapshot, 1)
	go func() {
		var taken []Snapshot
		defer func() { snaps <- taken }()
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				if len(taken) < 500 {
					taken = append(taken, h.m.Snapshot())
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op Op) {
			defer wg.Done()
			if err := h.m.Execute(ctx, op); err != nil {
				t.Errorf("%s T%d: %v", op.Kind, op.TxnID, err)
			}
		}(op)
	}
	wg.Wait()
	close(stop)
	for _, snap := range <-snaps {
		checkConsistency(t, snap)
	}

	require.NoError(t, h.m.Drain(ctx))
	for obj := int64(0); obj < objects; obj++ {
		v, err := h.m.Value(obj)
		require.NoError(t, err)
		require.Equal(t, want[obj], v, fmt.Sprintf("object %d", obj))
	}
	require.Empty(t, h.m.Snapshot().Locks)
}

func TestSnapshot_WriteTo(t *testing.T) {
	h := setupManager(t, DefaultConfig())
	ctx := context.Background()
	t1 := h.script(t, 1, 2)
	require.NoError(t, h.m.Begin(ctx, 1, transaction.KindReadWrite, t1()))
	require.NoError(t, h.m.Write(ctx, 1, 8, t1(), 0))

	var buf bytes.Buffer
	n, err := h.m.Snapshot().WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)
	out := buf.String()
	require.Contains(t, out, "T1")
	require.Contains(t, out, "ACTIVE")
	require.Contains(t, out, "T1:X")
}

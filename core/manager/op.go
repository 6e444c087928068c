package manager

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sushant-115/gojotm/core/transaction"
)

// OpKind is the kind of a submitted operation.
type OpKind int

const (
	OpBegin OpKind = iota
	OpRead
	OpWrite
	OpCommit
	OpAbort
)

func (k OpKind) String() string {
	switch k {
	case OpBegin:
		return "BeginTx"
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpCommit:
		return "Commit"
	case OpAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// Op is one submitted operation.
type Op struct {
	Kind   OpKind
	TxnID  uint64
	Object int64            // Read and Write only
	Type   transaction.Kind // BeginTx only
	Seq    int64            // position in the transaction, counting down to 1
	Delay  time.Duration    // Read and Write only; 0 uses the configured delay
	Line   int              // source line in the script, 0 if not from a script
}

// Execute runs op. It blocks until the operation's turn within its
// transaction comes and, for reads and writes, until the lock is granted.
func (m *Manager) Execute(ctx context.Context, op Op) error {
	switch op.Kind {
	case OpBegin:
		return m.Begin(ctx, op.TxnID, op.Type, op.Seq)
	case OpRead:
		return m.Read(ctx, op.TxnID, op.Object, op.Seq, op.Delay)
	case OpWrite:
		return m.Write(ctx, op.TxnID, op.Object, op.Seq, op.Delay)
	case OpCommit:
		return m.Commit(ctx, op.TxnID, op.Seq)
	case OpAbort:
		return m.Abort(ctx, op.TxnID, op.Seq)
	default:
		return errors.Newf("unknown operation kind %d", op.Kind)
	}
}

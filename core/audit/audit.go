// Package audit writes the append-only, line-oriented transaction log that
// downstream tooling reads. One line per event; errors go to the same stream
// with an "ERROR: " prefix and are echoed to the diagnostic zap logger.
package audit

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Access is the kind of data access being logged.
type Access int

const (
	Read Access = iota
	Write
)

// Released is one object whose lock was dropped at commit or abort, with
// its value at that point.
type Released struct {
	Object int64
	Value  int64
}

// Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	diag   *zap.Logger
}

// New wraps w. diag receives a copy of every error line and write failures.
func New(w io.Writer, diag *zap.Logger) *Log {
	if diag == nil {
		diag = zap.NewNop()
	}
	return &Log{w: w, diag: diag}
}

// Open appends to the file at path, creating it if needed.
func Open(path string, diag *zap.Logger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open audit log %s", path)
	}
	l := New(f, diag)
	l.closer = f
	return l, nil
}

// Close closes the underlying file when the log owns one.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func (l *Log) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.w, line+"\n"); err != nil {
		l.diag.Warn("Failed to append audit line", zap.Error(err), zap.String("line", line))
	}
}

// Header opens a session in the log.
func (l *Log) Header(session uuid.UUID, at time.Time) {
	l.writeLine(fmt.Sprintf("# session %s started %s", session, at.Format(time.RFC3339)))
}

// Begin logs a BeginTx event.
func (l *Log) Begin(tid uint64, kind byte) {
	l.writeLine(fmt.Sprintf("T%d\t%c\tBeginTx", tid, kind))
}

// Access logs a granted read or write together with the object's resulting
// value, the operation delay and the transaction status after the access.
func (l *Log) Access(tid uint64, kind byte, access Access, object, value int64, delay time.Duration, status byte) {
	event, lockName := "Readtx", "ReadLock"
	if access == Write {
		event, lockName = "Writetx", "WriteLock"
	}
	l.writeLine(fmt.Sprintf("T%d\t%c\t%s\t%d:%d:%d\t%s\tGranted\t%c",
		tid, kind, event, object, value, delay.Microseconds(), lockName, status))
}

// Released logs the final values of the objects a terminating transaction
// held locks on. It is written for commits and aborts alike.
func (l *Log) Released(tid uint64, objs []Released) {
	var b strings.Builder
	fmt.Fprintf(&b, "T%d\tReleased\t", tid)
	for i, o := range objs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d : %d", o.Object, o.Value)
	}
	l.writeLine(b.String())
}

// Commit logs a CommitTx event.
func (l *Log) Commit(tid uint64) {
	l.writeLine(fmt.Sprintf("T%d\tCommitTx", tid))
}

// Abort logs an AbortTx event.
func (l *Log) Abort(tid uint64) {
	l.writeLine(fmt.Sprintf("T%d\tAbortTx", tid))
}

// Error appends an error line and echoes it to the diagnostic logger.
func (l *Log) Error(msg string, fields ...zap.Field) {
	l.writeLine("ERROR: " + msg)
	l.diag.Error(msg, fields...)
}

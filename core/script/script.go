// Package script reads transaction test scripts and drives them through a
// manager.Manager, one goroutine per operation.
//
// A script holds one operation per line:
//
//	Log <path>
//	BeginTx <tid> <R|W>
//	Read <tid> <obj> [delay]
//	Write <tid> <obj> [delay]
//	Commit <tid>
//	Abort <tid>
//
// The optional delay is how long the operation holds its lock before
// finishing. A bare integer is microseconds; otherwise it is a Go duration
// such as 5ms.
//
// Blank lines and lines starting with // or # are skipped. Command words are
// case-insensitive.
package script

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sushant-115/gojotm/core/manager"
	"github.com/sushant-115/gojotm/core/transaction"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArgument    = errors.New("bad argument")
	ErrEmptyScript    = errors.New("script has no operations")
)

// Script is a parsed test script.
type Script struct {
	// LogPath is the audit log named by a Log line, empty if none.
	LogPath string
	// Ops are the operations in script order, each carrying its sequence
	// number within its transaction.
	Ops []manager.Op
	// Counts is the number of operations per transaction id.
	Counts map[uint64]int64
}

// TxnIDs returns the transaction ids of the script in ascending order.
func (s *Script) TxnIDs() []uint64 {
	ids := make([]uint64, 0, len(s.Counts))
	for id := range s.Counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseFile parses the script at path.
func ParseFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open script %s", path)
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return s, nil
}

// Parse reads a script from r and numbers the operations of every
// transaction from its operation count down to 1.
func Parse(r io.Reader) (*Script, error) {
	s := &Script{Counts: make(map[uint64]int64)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		command := strings.ToLower(parts[0])

		if command == "log" {
			if len(parts) != 2 {
				return nil, errors.Wrapf(ErrBadArgument, "line %d: Log requires a path", lineNo)
			}
			s.LogPath = parts[1]
			continue
		}
		op, err := parseFields(command, parts)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		op.Line = lineNo
		s.Ops = append(s.Ops, op)
		s.Counts[op.TxnID]++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read script")
	}
	if len(s.Ops) == 0 {
		return nil, ErrEmptyScript
	}

	remaining := make(map[uint64]int64, len(s.Counts))
	for id, n := range s.Counts {
		remaining[id] = n
	}
	for i := range s.Ops {
		op := &s.Ops[i]
		op.Seq = remaining[op.TxnID]
		remaining[op.TxnID]--
	}
	return s, nil
}

// ParseOp parses a single operation line. Its sequence number is left 0.
func ParseOp(line string) (manager.Op, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return manager.Op{}, errors.Wrap(ErrBadArgument, "empty line")
	}
	return parseFields(strings.ToLower(parts[0]), parts)
}

func parseFields(command string, parts []string) (manager.Op, error) {
	var op manager.Op
	var want int
	delayed := false
	switch command {
	case "begintx":
		op.Kind, want = manager.OpBegin, 3
	case "read":
		op.Kind, want, delayed = manager.OpRead, 3, true
	case "write":
		op.Kind, want, delayed = manager.OpWrite, 3, true
	case "commit":
		op.Kind, want = manager.OpCommit, 2
	case "abort":
		op.Kind, want = manager.OpAbort, 2
	default:
		return op, errors.Wrapf(ErrUnknownCommand, "%q", parts[0])
	}
	switch {
	case delayed && len(parts) != want && len(parts) != want+1:
		return op, errors.Wrapf(ErrBadArgument, "%s takes %d arguments and an optional delay, got %d", op.Kind, want-1, len(parts)-1)
	case !delayed && len(parts) != want:
		return op, errors.Wrapf(ErrBadArgument, "%s takes %d arguments, got %d", op.Kind, want-1, len(parts)-1)
	}

	tid, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return op, errors.Wrapf(ErrBadArgument, "transaction id %q", parts[1])
	}
	op.TxnID = tid

	switch op.Kind {
	case manager.OpBegin:
		kind, ok := transaction.ParseKind(parts[2])
		if !ok {
			return op, errors.Wrapf(ErrBadArgument, "transaction type %q, want R or W", parts[2])
		}
		op.Type = kind
	case manager.OpRead, manager.OpWrite:
		obj, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || obj < 0 {
			return op, errors.Wrapf(ErrBadArgument, "object number %q", parts[2])
		}
		op.Object = obj
		if len(parts) == want+1 {
			delay, err := parseDelay(parts[want])
			if err != nil {
				return op, err
			}
			op.Delay = delay
		}
	}
	return op, nil
}

// parseDelay reads a bare integer as microseconds and anything else as a
// time.Duration.
func parseDelay(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if us, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		d, err = time.Duration(us)*time.Microsecond, nil
	}
	if err != nil || d < 0 {
		return 0, errors.Wrapf(ErrBadArgument, "delay %q", s)
	}
	return d, nil
}

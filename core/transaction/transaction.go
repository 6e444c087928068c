package transaction

import (
	"github.com/sushant-115/gojotm/core/lock"
)

// Status is the lifecycle state of a transaction record.
type Status int

const (
	StatusActive  Status = iota // Running; may be granted locks
	StatusWaiting               // Blocked behind WaitsOn for RequestedObject
	StatusAborted               // Abort in progress; no further reads or writes
	StatusEnded                 // Commit or abort completed; record leaves the registry
)

// Code returns the single-letter status code written to the audit log.
func (s Status) Code() byte {
	switch s {
	case StatusActive:
		return 'P'
	case StatusWaiting:
		return 'W'
	case StatusAborted:
		return 'A'
	case StatusEnded:
		return 'E'
	default:
		return '?'
	}
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusWaiting:
		return "WAITING"
	case StatusAborted:
		return "ABORTED"
	case StatusEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Kind tells whether a transaction only reads or also writes.
type Kind byte

const (
	KindReadOnly  Kind = 'R'
	KindReadWrite Kind = 'W'
)

// ParseKind accepts the script letters R and W.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "R", "r":
		return KindReadOnly, true
	case "W", "w":
		return KindReadWrite, true
	}
	return 0, false
}

func (k Kind) String() string {
	return string(rune(k))
}

// OwnedLock is one lock held by a transaction.
type OwnedLock struct {
	Object int64
	Mode   lock.Mode
}

// Record is the in-memory state of one active transaction.
type Record struct {
	ID     uint64
	Kind   Kind
	Status Status

	// Only meaningful while Status is StatusWaiting.
	RequestedObject int64
	RequestedMode   lock.Mode
	WaitsOn         uint64
	waiting         bool

	// Locks mirrors this transaction's entries in the lock table, in grant order.
	Locks []OwnedLock
}

// NewRecord returns an active record with no locks and no wait target.
func NewRecord(id uint64, kind Kind) *Record {
	return &Record{
		ID:              id,
		Kind:            kind,
		Status:          StatusActive,
		RequestedObject: -1,
		RequestedMode:   lock.ModeNone,
	}
}

// HasWaitTarget reports whether WaitsOn currently holds a transaction id.
func (r *Record) HasWaitTarget() bool {
	return r.waiting
}

// BeginWait moves the record to StatusWaiting for object in mode. The wait
// target itself is recorded through Registry.SetWaitTarget.
func (r *Record) BeginWait(object int64, mode lock.Mode) {
	r.Status = StatusWaiting
	r.RequestedObject = object
	r.RequestedMode = mode
}

// EndWait clears the request context after a wake-up. An aborted record
// keeps its status.
func (r *Record) EndWait() {
	if r.Status == StatusWaiting {
		r.Status = StatusActive
	}
	r.RequestedObject = -1
	r.RequestedMode = lock.ModeNone
	r.WaitsOn = 0
	r.waiting = false
}

// AddLock appends an owned lock.
func (r *Record) AddLock(object int64, mode lock.Mode) {
	r.Locks = append(r.Locks, OwnedLock{Object: object, Mode: mode})
}

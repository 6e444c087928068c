// Package lock implements the flat object-level lock table used by the
// transaction manager. Each key is a (group, object) pair and maps to the set
// of transactions currently holding it together with their lock mode.
//
// The table is not safe for concurrent use on its own: the transaction
// manager mutates it only while holding its critical section.
package lock

import (
	"fmt"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// DefaultGroup is the only resource group in use today. The group stays part
// of the key so that more than one namespace can be added later.
const DefaultGroup uint32 = 1

// Mode is the lock mode requested or held on an object.
type Mode byte

const (
	ModeNone Mode = iota
	ModeShared
	ModeExclusive
)

// String returns the single-letter code used in the audit log.
func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "S"
	case ModeExclusive:
		return "X"
	default:
		return " "
	}
}

var (
	ErrLockNotFound  = errors.New("lock not found in lock table")
	ErrLockTableFull = errors.New("not enough room in lock table")
	ErrAlreadyHeld   = errors.New("transaction already holds a lock on object")
)

// Key identifies one lockable object.
type Key struct {
	Group  uint32
	Object int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Group, k.Object)
}

func (k Key) less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Object < o.Object
}

// Holder is one transaction holding a lock on a key.
type Holder struct {
	TxnID uint64
	Mode  Mode
}

// entry is the btree item: a key and its holders in grant order.
type entry struct {
	key     Key
	holders []Holder
}

// Decision is the outcome of evaluating a lock request against the table.
type Decision int

const (
	// Granted means the lock was inserted for the requester.
	Granted Decision = iota
	// AlreadyHeld means the requester holds some lock on the key already.
	// The existing mode is kept even if weaker than the request.
	AlreadyHeld
	// Blocked means another holder conflicts with the request.
	Blocked
)

// Table maps keys to their holder sets. Keys are kept in a btree so that
// snapshots come out in key order.
type Table struct {
	tree     *btree.BTreeG[*entry]
	count    int // total holder entries across all keys
	capacity int // 0 means unbounded
}

// NewTable creates an empty lock table. capacity bounds the total number of
// holder entries; Add fails with ErrLockTableFull once it is reached.
func NewTable(capacity int) *Table {
	return &Table{
		tree: btree.NewG(16, func(a, b *entry) bool {
			return a.key.less(b.key)
		}),
		capacity: capacity,
	}
}

func (t *Table) get(k Key) (*entry, bool) {
	return t.tree.Get(&entry{key: k})
}

// Find returns a copy of the holders of key, or nil when nobody holds it.
func (t *Table) Find(group uint32, object int64) []Holder {
	e, ok := t.get(Key{Group: group, Object: object})
	if !ok {
		return nil
	}
	return slices.Clone(e.holders)
}

// Holding reports the mode txn holds on the key, if any.
func (t *Table) Holding(txn uint64, group uint32, object int64) (Mode, bool) {
	e, ok := t.get(Key{Group: group, Object: object})
	if !ok {
		return ModeNone, false
	}
	for _, h := range e.holders {
		if h.TxnID == txn {
			return h.Mode, true
		}
	}
	return ModeNone, false
}

// Conflict returns the first holder other than txn whose mode is incompatible
// with the requested mode. Only one blocker is reported even when several
// shared holders stand in the way of an exclusive request.
func (t *Table) Conflict(txn uint64, group uint32, object int64, mode Mode) (Holder, bool) {
	e, ok := t.get(Key{Group: group, Object: object})
	if !ok {
		return Holder{}, false
	}
	for _, h := range e.holders {
		if h.TxnID == txn {
			continue
		}
		if h.Mode == ModeExclusive || mode == ModeExclusive {
			return h, true
		}
	}
	return Holder{}, false
}

// Add inserts a holder entry for txn. A transaction never holds two entries
// for the same key.
func (t *Table) Add(txn uint64, group uint32, object int64, mode Mode) error {
	if t.capacity > 0 && t.count >= t.capacity {
		return errors.Wrapf(ErrLockTableFull, "obno:%d tid:%d (capacity %d)", object, txn, t.capacity)
	}
	k := Key{Group: group, Object: object}
	e, ok := t.get(k)
	if !ok {
		e = &entry{key: k}
		t.tree.ReplaceOrInsert(e)
	}
	if slices.ContainsFunc(e.holders, func(h Holder) bool { return h.TxnID == txn }) {
		return errors.Wrapf(ErrAlreadyHeld, "obno:%d tid:%d", object, txn)
	}
	e.holders = append(e.holders, Holder{TxnID: txn, Mode: mode})
	t.count++
	return nil
}

// Remove deletes txn's holder entry on the key.
func (t *Table) Remove(txn uint64, group uint32, object int64) error {
	k := Key{Group: group, Object: object}
	e, ok := t.get(k)
	if !ok {
		return errors.Wrapf(ErrLockNotFound, "tid:%d obno:%d", txn, object)
	}
	n := len(e.holders)
	e.holders = slices.DeleteFunc(e.holders, func(h Holder) bool { return h.TxnID == txn })
	if len(e.holders) == n {
		return errors.Wrapf(ErrLockNotFound, "tid:%d obno:%d", txn, object)
	}
	t.count -= n - len(e.holders)
	if len(e.holders) == 0 {
		t.tree.Delete(e)
	}
	return nil
}

// Request applies the conflict rule for txn asking for mode on the key.
// On Granted the holder entry has been inserted; on Blocked the returned
// holder is the transaction to wait behind.
func (t *Table) Request(txn uint64, group uint32, object int64, mode Mode) (Decision, Holder, error) {
	if _, held := t.Holding(txn, group, object); held {
		return AlreadyHeld, Holder{}, nil
	}
	if blocker, conflict := t.Conflict(txn, group, object, mode); conflict {
		return Blocked, blocker, nil
	}
	if err := t.Add(txn, group, object, mode); err != nil {
		return Granted, Holder{}, err
	}
	return Granted, Holder{}, nil
}

// Len returns the total number of holder entries.
func (t *Table) Len() int {
	return t.count
}

// KeyHolders is one key of a table snapshot.
type KeyHolders struct {
	Key     Key
	Holders []Holder
}

// Snapshot returns every key with its holders, in key order.
func (t *Table) Snapshot() []KeyHolders {
	out := make([]KeyHolders, 0, t.tree.Len())
	t.tree.Ascend(func(e *entry) bool {
		out = append(out, KeyHolders{Key: e.key, Holders: slices.Clone(e.holders)})
		return true
	})
	return out
}

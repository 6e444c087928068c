package transaction

import (
	"sort"

	"github.com/cockroachdb/errors"
)

var (
	ErrTxnNotFound      = errors.New("transaction not found")
	ErrTxnAlreadyExists = errors.New("transaction already exists")
	// ErrWaitProtocol marks wait-target bookkeeping contradictions. Callers
	// must treat it as unrecoverable.
	ErrWaitProtocol = errors.New("wait target protocol violation")
)

// Registry holds the records of all active transactions keyed by id.
// It performs no locking; the transaction manager guards it with its
// critical section.
type Registry struct {
	txns map[uint64]*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{txns: make(map[uint64]*Record)}
}

// Lookup returns the record for id.
func (r *Registry) Lookup(id uint64) (*Record, error) {
	rec, ok := r.txns[id]
	if !ok {
		return nil, errors.Wrapf(ErrTxnNotFound, "tid:%d", id)
	}
	return rec, nil
}

// Insert adds rec. An id can only be inserted again after it was removed.
func (r *Registry) Insert(rec *Record) error {
	if _, ok := r.txns[rec.ID]; ok {
		return errors.Wrapf(ErrTxnAlreadyExists, "tid:%d", rec.ID)
	}
	r.txns[rec.ID] = rec
	return nil
}

// Remove unlinks id from the registry and marks the record ended.
func (r *Registry) Remove(id uint64) error {
	rec, ok := r.txns[id]
	if !ok {
		return errors.Wrapf(ErrTxnNotFound, "trying to remove tid:%d", id)
	}
	rec.Status = StatusEnded
	delete(r.txns, id)
	return nil
}

// SetWaitTarget records that self is blocked behind target. Both must be
// registered, and a record already waiting on a different target cannot be
// pointed at a second one; either case returns ErrWaitProtocol.
func (r *Registry) SetWaitTarget(self, target uint64) error {
	rec, ok := r.txns[self]
	if !ok {
		return errors.Wrapf(ErrWaitProtocol, "waiting tid:%d is not registered", self)
	}
	if _, ok := r.txns[target]; !ok {
		return errors.Wrapf(ErrWaitProtocol, "tid:%d wants to wait on tid:%d which does not exist", self, target)
	}
	if rec.waiting && rec.WaitsOn != target {
		return errors.Wrapf(ErrWaitProtocol, "tid:%d asked to wait on tid:%d while waiting on tid:%d", self, target, rec.WaitsOn)
	}
	rec.WaitsOn = target
	rec.waiting = true
	return nil
}

// Len returns the number of registered transactions.
func (r *Registry) Len() int {
	return len(r.txns)
}

// Records returns the registered records ordered by id.
func (r *Registry) Records() []*Record {
	out := make([]*Record, 0, len(r.txns))
	for _, rec := range r.txns {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

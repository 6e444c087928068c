// Package objects holds the shared object array that transactions read and
// write. Values are only touched after the caller has been granted the
// object's lock. Several shared holders may update one object at once.
package objects

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

var ErrObjectOutOfRange = errors.New("object id out of range")

// Store is a fixed-size array of numeric objects indexed by object id.
type Store struct {
	values []atomic.Int64
}

// NewStore creates n objects all set to initial.
func NewStore(n int, initial int64) *Store {
	s := &Store{values: make([]atomic.Int64, n)}
	for i := range s.values {
		s.values[i].Store(initial)
	}
	return s
}

// Len returns the number of objects.
func (s *Store) Len() int {
	return len(s.values)
}

// Valid reports whether id names an object.
func (s *Store) Valid(id int64) bool {
	return id >= 0 && id < int64(len(s.values))
}

func (s *Store) check(id int64) error {
	if !s.Valid(id) {
		return errors.Wrapf(ErrObjectOutOfRange, "obno:%d (have %d objects)", id, len(s.values))
	}
	return nil
}

// Get returns the current value of id.
func (s *Store) Get(id int64) (int64, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	return s.values[id].Load(), nil
}

// Add applies delta to id and returns the new value.
func (s *Store) Add(id int64, delta int64) (int64, error) {
	if err := s.check(id); err != nil {
		return 0, err
	}
	return s.values[id].Add(delta), nil
}

package manager

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sushant-115/gojotm/core/lock"
	"github.com/sushant-115/gojotm/core/transaction"
)

// TxnState is a copy of one transaction record.
type TxnState struct {
	ID              uint64
	Kind            transaction.Kind
	Status          transaction.Status
	WaitsOn         uint64
	Waiting         bool
	RequestedObject int64
	RequestedMode   lock.Mode
	Locks           []transaction.OwnedLock
}

// Snapshot is a consistent copy of the registry and the lock table.
type Snapshot struct {
	Txns  []TxnState
	Locks []lock.KeyHolders
}

// Snapshot copies the registry and lock table under the critical section.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := m.registry.Records()
	snap := Snapshot{
		Txns:  make([]TxnState, 0, len(recs)),
		Locks: m.locks.Snapshot(),
	}
	for _, r := range recs {
		snap.Txns = append(snap.Txns, TxnState{
			ID:              r.ID,
			Kind:            r.Kind,
			Status:          r.Status,
			WaitsOn:         r.WaitsOn,
			Waiting:         r.HasWaitTarget(),
			RequestedObject: r.RequestedObject,
			RequestedMode:   r.RequestedMode,
			Locks:           append([]transaction.OwnedLock(nil), r.Locks...),
		})
	}
	return snap
}

// Waiting returns the transactions currently blocked behind another.
func (s Snapshot) Waiting() []TxnState {
	var out []TxnState
	for _, t := range s.Txns {
		if t.Status == transaction.StatusWaiting {
			out = append(out, t)
		}
	}
	return out
}

// WriteTo prints the transaction list and the lock table as two tables.
func (s Snapshot) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "TID\tTYPE\tSTATUS\tOBNO\tLOCK\tWAITS_ON\tHELD")
	for _, t := range s.Txns {
		waitsOn := "-"
		if t.Waiting {
			waitsOn = fmt.Sprintf("T%d", t.WaitsOn)
		}
		fmt.Fprintf(tw, "T%d\t%s\t%s\t%d\t%s\t%s\t%d\n",
			t.ID, t.Kind, t.Status, t.RequestedObject, t.RequestedMode, waitsOn, len(t.Locks))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "GROUP\tOBNO\tHOLDERS")
	for _, kh := range s.Locks {
		holders := ""
		for i, h := range kh.Holders {
			if i > 0 {
				holders += " "
			}
			holders += fmt.Sprintf("T%d:%s", h.TxnID, h.Mode)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\n", kh.Key.Group, kh.Key.Object, holders)
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

package ledger

import (
	"fmt"
	"math"

	"github.com/pario-ai/tokenledger/pkg/models"
	"github.com/pario-ai/tokenledger/pkg/txlog"
)

// Snapshot returns a deep copy of the complete ledger state.
func (l *Ledger) Snapshot() models.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	budgets := l.budgetsLocked()
	return models.Snapshot{
		Format:       models.SnapshotFormat,
		Version:      l.version,
		TakenAt:      l.now(),
		PoolBalance:  l.pool,
		Budgets:      budgets,
		Transactions: l.log.All(),
	}
}

// Restore rebuilds a ledger from a snapshot after checking its invariants.
func Restore(snap models.Snapshot, opts ...Option) (*Ledger, error) {
	if err := validate(snap); err != nil {
		return nil, err
	}

	l := New(opts...)
	l.pool = snap.PoolBalance
	l.version = snap.Version
	for _, b := range snap.Budgets {
		b := b.Clone()
		l.budgets[b.ID] = &b
		l.order = append(l.order, b.ID)
	}
	l.log = txlog.Restore(snap.Transactions)
	return l, nil
}

func validate(snap models.Snapshot) error {
	if snap.Format != models.SnapshotFormat {
		return fmt.Errorf("%w: unsupported format %d", ErrCorruptSnapshot, snap.Format)
	}
	if snap.PoolBalance < 0 {
		return fmt.Errorf("%w: negative pool balance %d", ErrCorruptSnapshot, snap.PoolBalance)
	}

	seen := make(map[string]bool, len(snap.Budgets))
	supply := snap.PoolBalance
	for _, b := range snap.Budgets {
		switch {
		case b.ID == "":
			return fmt.Errorf("%w: budget without id", ErrCorruptSnapshot)
		case seen[b.ID]:
			return fmt.Errorf("%w: duplicate budget %s", ErrCorruptSnapshot, b.ID)
		case !b.Scope.Valid() || !b.Period.Valid():
			return fmt.Errorf("%w: budget %s has unknown scope or period", ErrCorruptSnapshot, b.ID)
		case b.TotalAllocated < 0 || b.TotalUsed < 0 || b.Remaining < 0:
			return fmt.Errorf("%w: budget %s has negative balance", ErrCorruptSnapshot, b.ID)
		case b.Remaining != b.TotalAllocated-b.TotalUsed:
			return fmt.Errorf("%w: budget %s remaining %d != allocated %d - used %d",
				ErrCorruptSnapshot, b.ID, b.Remaining, b.TotalAllocated, b.TotalUsed)
		}
		if b.TotalAllocated > math.MaxInt64-supply {
			return fmt.Errorf("%w: pool and allocations overflow", ErrCorruptSnapshot)
		}
		supply += b.TotalAllocated
		seen[b.ID] = true
	}

	txIDs := make(map[string]bool, len(snap.Transactions))
	for _, tx := range snap.Transactions {
		switch {
		case tx.ID == "" || txIDs[tx.ID]:
			return fmt.Errorf("%w: missing or duplicate transaction id %q", ErrCorruptSnapshot, tx.ID)
		case !tx.Type.Valid():
			return fmt.Errorf("%w: transaction %s has unknown type %q", ErrCorruptSnapshot, tx.ID, tx.Type)
		case tx.Amount < 0:
			return fmt.Errorf("%w: transaction %s has amount %d", ErrCorruptSnapshot, tx.ID, tx.Amount)
		}
		txIDs[tx.ID] = true
	}
	return nil
}

package models

import "time"

// SnapshotFormat is bumped whenever the serialized layout changes.
const SnapshotFormat = 1

// Snapshot is the complete serializable ledger state.
// Version increases with every committed mutation.
type Snapshot struct {
	Format       int           `json:"format"`
	Version      int64         `json:"version"`
	TakenAt      time.Time     `json:"taken_at"`
	PoolBalance  int64         `json:"pool_balance"`
	Budgets      []Budget      `json:"budgets"`
	Transactions []Transaction `json:"transactions"`
}

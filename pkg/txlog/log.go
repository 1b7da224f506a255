// Package txlog holds the append-only transaction history of a ledger.
package txlog

import (
	"sort"

	"github.com/pario-ai/tokenledger/pkg/models"
)

// Log is an append-only, time-ordered sequence of transactions.
// It is not safe for concurrent use; the owning ledger serializes access.
type Log struct {
	entries []models.Transaction
	seq     int64
}

// New returns an empty log.
func New() *Log {
	return &Log{}
}

// Restore rebuilds a log from previously appended transactions, keeping
// their sequence numbers so later appends continue the numbering.
func Restore(entries []models.Transaction) *Log {
	l := &Log{entries: make([]models.Transaction, len(entries))}
	copy(l.entries, entries)
	sort.SliceStable(l.entries, func(i, j int) bool { return l.entries[i].Seq < l.entries[j].Seq })
	for _, tx := range l.entries {
		if tx.Seq > l.seq {
			l.seq = tx.Seq
		}
	}
	return l
}

// Append assigns the next sequence number and stores tx. The returned copy is
// what was recorded.
func (l *Log) Append(tx models.Transaction) models.Transaction {
	l.seq++
	tx.Seq = l.seq
	tx.Metadata = cloneMeta(tx.Metadata)
	l.entries = append(l.entries, tx)
	return cloneTx(tx)
}

// Len returns the number of recorded transactions.
func (l *Log) Len() int {
	return len(l.entries)
}

// All returns every transaction in append order.
func (l *Log) All() []models.Transaction {
	out := make([]models.Transaction, len(l.entries))
	for i, tx := range l.entries {
		out[i] = cloneTx(tx)
	}
	return out
}

// History returns transactions matching f, newest first. Transactions with
// equal timestamps are ordered by descending sequence number.
func (l *Log) History(f models.HistoryFilter) []models.Transaction {
	var out []models.Transaction
	for _, tx := range l.entries {
		if f.Match(tx) {
			out = append(out, cloneTx(tx))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Seq > out[j].Seq
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func cloneTx(tx models.Transaction) models.Transaction {
	tx.Metadata = cloneMeta(tx.Metadata)
	return tx
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

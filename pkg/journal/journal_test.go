package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/tokenledger/pkg/models"
)

func mustNew(t *testing.T, cfg Config) *Journal {
	t.Helper()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(t.TempDir(), "journal_test.db")
	}
	j, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleTxs() []models.Transaction {
	return []models.Transaction{
		{ID: "t1", Seq: 1, Type: models.TxAllocation, Amount: 500, BudgetID: "b1",
			Metadata: map[string]string{models.MetaInitial: "true"}, Timestamp: base},
		{ID: "t2", Seq: 2, Type: models.TxConsumption, Amount: 40, BudgetID: "b1",
			ThreadID: "th1", AgentID: "coder", Description: "build", Timestamp: base.Add(time.Hour)},
		{ID: "t3", Seq: 3, Type: models.TxConsumption, Amount: 60, BudgetID: "b1",
			AgentID: "reviewer", Timestamp: base.Add(24 * time.Hour)},
		{ID: "t4", Seq: 4, Type: models.TxRefund, Amount: 10, BudgetID: "b1",
			Description: "task failed", Timestamp: base.Add(25 * time.Hour)},
	}
}

func TestRecordAndQuery(t *testing.T) {
	j := mustNew(t, Config{})
	ctx := context.Background()

	if err := j.Backfill(ctx, sampleTxs()); err != nil {
		t.Fatal(err)
	}
	// Recording again is a no-op.
	if err := j.Backfill(ctx, sampleTxs()); err != nil {
		t.Fatal(err)
	}

	all, err := j.Query(ctx, models.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d rows, want 4", len(all))
	}
	if all[0].ID != "t4" || all[3].ID != "t1" {
		t.Errorf("unexpected order: %s ... %s", all[0].ID, all[3].ID)
	}
	if all[3].Metadata[models.MetaInitial] != "true" {
		t.Errorf("metadata not restored: %v", all[3].Metadata)
	}
	if !all[3].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", all[3].Timestamp, base)
	}

	tests := []struct {
		name string
		f    models.HistoryFilter
		want []string
	}{
		{"agent", models.HistoryFilter{AgentID: "coder"}, []string{"t2"}},
		{"thread", models.HistoryFilter{ThreadID: "th1"}, []string{"t2"}},
		{"type", models.HistoryFilter{Type: models.TxConsumption}, []string{"t3", "t2"}},
		{"since", models.HistoryFilter{Since: base.Add(24 * time.Hour)}, []string{"t4", "t3"}},
		{"until inclusive", models.HistoryFilter{Until: base.Add(time.Hour)}, []string{"t2", "t1"}},
		{"limit", models.HistoryFilter{Limit: 1}, []string{"t4"}},
		{"other budget", models.HistoryFilter{BudgetID: "b2"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.Query(ctx, tt.f)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, tx := range got {
				ids = append(ids, tx.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("got %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", ids, tt.want)
				}
			}
		})
	}
}

func TestSyncFillsGaps(t *testing.T) {
	j := mustNew(t, Config{})
	ctx := context.Background()

	txs := sampleTxs()
	// t3 was dropped while later writes went through.
	if err := j.Backfill(ctx, []models.Transaction{txs[0], txs[1], txs[3]}); err != nil {
		t.Fatal(err)
	}

	added, err := j.Sync(ctx, txs)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	got, err := j.Query(ctx, models.HistoryFilter{AgentID: "reviewer"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "t3" {
		t.Errorf("missing transaction not restored: %+v", got)
	}

	if added, _ = j.Sync(ctx, txs); added != 0 {
		t.Errorf("second sync added %d, want 0", added)
	}
}

func TestSyncSkipsExpired(t *testing.T) {
	j := mustNew(t, Config{RetentionDays: 7})
	ctx := context.Background()

	now := time.Now().UTC()
	old := models.Transaction{ID: "old", Seq: 1, Type: models.TxConsumption, Amount: 5, BudgetID: "b1", Timestamp: now.AddDate(0, 0, -30)}
	recent := models.Transaction{ID: "recent", Seq: 2, Type: models.TxConsumption, Amount: 5, BudgetID: "b1", Timestamp: now.Add(-time.Hour)}

	added, err := j.Sync(ctx, []models.Transaction{old, recent})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	got, _ := j.Query(ctx, models.HistoryFilter{})
	if len(got) != 1 || got[0].ID != "recent" {
		t.Errorf("got %+v, want only recent", got)
	}
}

func TestStats(t *testing.T) {
	j := mustNew(t, Config{})
	ctx := context.Background()
	if err := j.Backfill(ctx, sampleTxs()); err != nil {
		t.Fatal(err)
	}

	stats, err := j.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 4 {
		t.Fatalf("got %d stats, want 4: %+v", len(stats), stats)
	}

	var consumed int64
	for _, s := range stats {
		if s.Type == models.TxConsumption {
			consumed += s.Amount
		}
	}
	if consumed != 100 {
		t.Errorf("consumed = %d, want 100", consumed)
	}
	if stats[0].Day != "2026-06-02" {
		t.Errorf("first day = %s, want 2026-06-02", stats[0].Day)
	}
}

func TestOnEventWritesAsync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.db")
	j, err := New(Config{DBPath: path}, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, tx := range sampleTxs() {
		tx := tx
		j.OnEvent(models.Event{Kind: models.EventConsumed, Transaction: &tx})
	}
	j.OnEvent(models.Event{Kind: models.EventDeposited})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	// Events after Close are ignored.
	j.OnEvent(models.Event{Transaction: &models.Transaction{ID: "late"}})

	j = mustNew(t, Config{DBPath: path})
	got, err := j.Query(context.Background(), models.HistoryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Errorf("got %d rows after drain, want 4", len(got))
	}
}

func TestCleanup(t *testing.T) {
	j := mustNew(t, Config{RetentionDays: 30})
	ctx := context.Background()

	old := models.Transaction{ID: "old", Seq: 1, Type: models.TxConsumption, Amount: 1, BudgetID: "b",
		Timestamp: time.Now().AddDate(0, 0, -60)}
	recent := models.Transaction{ID: "new", Seq: 2, Type: models.TxConsumption, Amount: 1, BudgetID: "b",
		Timestamp: time.Now()}
	if err := j.Backfill(ctx, []models.Transaction{old, recent}); err != nil {
		t.Fatal(err)
	}

	n, err := j.Cleanup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

func TestCleanupDisabled(t *testing.T) {
	j := mustNew(t, Config{})
	n, err := j.Cleanup(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Cleanup() = %d, %v", n, err)
	}
}

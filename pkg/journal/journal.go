// Package journal mirrors committed ledger transactions into a SQLite
// database for ad-hoc search and reporting.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokenledger/pkg/models"
)

const defaultQueryLimit = 100

// Config controls the journal database.
type Config struct {
	DBPath        string
	RetentionDays int
	BufferSize    int
}

// Journal writes and queries mirrored transactions. Writes from OnEvent are
// applied by a single background goroutine in arrival order.
type Journal struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger
	writes chan models.Transaction
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New opens the journal database and creates the schema.
func New(cfg Config, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	j := &Journal{
		db:     db,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "journal")),
		writes: make(chan models.Transaction, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	j.wg.Add(1)
	go j.writeLoop()
	if cfg.RetentionDays > 0 {
		j.wg.Add(1)
		go j.retentionLoop()
	}
	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS transactions (
		id          TEXT PRIMARY KEY,
		seq         INTEGER NOT NULL,
		type        TEXT NOT NULL,
		amount      INTEGER NOT NULL,
		budget_id   TEXT NOT NULL,
		thread_id   TEXT,
		agent_id    TEXT,
		description TEXT,
		metadata    TEXT,
		created_at  DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_budget ON transactions(budget_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_agent ON transactions(agent_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_created ON transactions(created_at)`)
	return err
}

// OnEvent queues the event's transaction, if any. A full buffer drops the
// write with a warning; the next Sync restores it.
func (j *Journal) OnEvent(e models.Event) {
	if e.Transaction == nil {
		return
	}
	select {
	case <-j.done:
		return
	default:
	}
	select {
	case j.writes <- *e.Transaction:
	default:
		j.logger.Warn("journal buffer full, dropping transaction", zap.String("tx_id", e.Transaction.ID))
	}
}

// Record writes one transaction synchronously. Re-recording an id is a no-op.
func (j *Journal) Record(ctx context.Context, tx models.Transaction) error {
	var meta sql.NullString
	if len(tx.Metadata) > 0 {
		b, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO transactions
		(id, seq, type, amount, budget_id, thread_id, agent_id, description, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.Seq, string(tx.Type), tx.Amount, tx.BudgetID,
		tx.ThreadID, tx.AgentID, tx.Description, meta, tx.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// Backfill records every transaction in txs, skipping ones already present.
func (j *Journal) Backfill(ctx context.Context, txs []models.Transaction) error {
	for _, tx := range txs {
		if err := j.Record(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// Sync records the transactions in txs that the journal is missing, such as
// writes dropped on a full buffer or made while the journal was disabled.
// Transactions older than the retention period are not restored.
func (j *Journal) Sync(ctx context.Context, txs []models.Transaction) (int, error) {
	known, err := j.ids(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := j.cutoff()

	added := 0
	for _, tx := range txs {
		if _, ok := known[tx.ID]; ok {
			continue
		}
		if !cutoff.IsZero() && tx.Timestamp.Before(cutoff) {
			continue
		}
		if err := j.Record(ctx, tx); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (j *Journal) ids(ctx context.Context) (map[string]struct{}, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("journal ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan journal id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// cutoff is the oldest timestamp kept under the retention period, or zero
// when rows are kept forever.
func (j *Journal) cutoff() time.Time {
	if j.cfg.RetentionDays <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().AddDate(0, 0, -j.cfg.RetentionDays)
}

// Query returns journaled transactions matching f, newest first. A zero
// limit is capped at 100 rows.
func (j *Journal) Query(ctx context.Context, f models.HistoryFilter) ([]models.Transaction, error) {
	q := `SELECT id, seq, type, amount, budget_id, thread_id, agent_id, description, metadata, created_at
		FROM transactions WHERE 1=1`
	var args []any

	if f.BudgetID != "" {
		q += " AND budget_id = ?"
		args = append(args, f.BudgetID)
	}
	if f.ThreadID != "" {
		q += " AND thread_id = ?"
		args = append(args, f.ThreadID)
	}
	if f.AgentID != "" {
		q += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		q += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q += " AND created_at <= ?"
		args = append(args, f.Until.UTC())
	}

	q += " ORDER BY created_at DESC, seq DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var tx models.Transaction
		var typ string
		var thread, agent, desc, meta sql.NullString
		if err := rows.Scan(
			&tx.ID, &tx.Seq, &typ, &tx.Amount, &tx.BudgetID,
			&thread, &agent, &desc, &meta, &tx.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		tx.Type = models.TransactionType(typ)
		tx.ThreadID = thread.String
		tx.AgentID = agent.String
		tx.Description = desc.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &tx.Metadata)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// Stats returns transaction counts and volume grouped by type and day.
func (j *Journal) Stats(ctx context.Context) ([]models.JournalStat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT type, date(created_at) AS day, count(*) AS cnt, sum(amount) AS total
		 FROM transactions GROUP BY type, day ORDER BY day DESC, type`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	var stats []models.JournalStat
	for rows.Next() {
		var s models.JournalStat
		var typ string
		var day sql.NullString
		if err := rows.Scan(&typ, &day, &s.Count, &s.Amount); err != nil {
			return nil, fmt.Errorf("scan journal stat: %w", err)
		}
		s.Type = models.TransactionType(typ)
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes mirrored rows older than the retention period. The ledger
// snapshot keeps the full history either way.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	cutoff := j.cutoff()
	if cutoff.IsZero() {
		return 0, nil
	}
	res, err := j.db.ExecContext(ctx, `DELETE FROM transactions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains queued writes, stops background work and closes the database.
func (j *Journal) Close() error {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
	return j.db.Close()
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case tx := <-j.writes:
			j.write(tx)
		case <-j.done:
			for {
				select {
				case tx := <-j.writes:
					j.write(tx)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(tx models.Transaction) {
	if err := j.Record(context.Background(), tx); err != nil {
		j.logger.Error("journal write failed", zap.String("tx_id", tx.ID), zap.Error(err))
	}
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			n, err := j.Cleanup(context.Background())
			if err != nil {
				j.logger.Warn("journal cleanup failed", zap.Error(err))
			} else if n > 0 {
				j.logger.Info("journal cleanup", zap.Int64("deleted", n))
			}
		}
	}
}
